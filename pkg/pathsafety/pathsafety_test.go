package pathsafety

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantSafe bool
	}{
		{name: "filesystem root", path: "/", wantSafe: false},
		{name: "blocklisted system dir", path: "/etc", wantSafe: false},
		{name: "blocklisted users dir", path: "/Users", wantSafe: false},
		{name: "single segment", path: "/a", wantSafe: false},
		{name: "two segments under users", path: "/Users/alice", wantSafe: true},
		{name: "project under users", path: "/Users/alice/proj", wantSafe: true},
		{name: "deep home path", path: "/home/bob/notes", wantSafe: true},
		{name: "trailing separator", path: "/home/bob/notes/", wantSafe: true},
		{name: "blocklisted with trailing slash", path: "/var/", wantSafe: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Validate(tt.path)
			if tt.wantSafe {
				assert.Empty(t, msg, "expected %q to be safe", tt.path)
			} else {
				assert.NotEmpty(t, msg, "expected %q to be rejected", tt.path)
			}
		})
	}
}

func TestValidate_ResourcesRoot(t *testing.T) {
	SetResourcesRoot("/home/app/resources")
	defer SetResourcesRoot("")

	assert.NotEmpty(t, Validate("/home/app/resources"))
	assert.NotEmpty(t, Validate("/home/app/resources/data"))
	assert.Empty(t, Validate("/home/app/other"))
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	norm := Normalize("/home/bob/notes/")
	assert.Equal(t, filepath.Clean("/home/bob/notes"), norm)

	abs := Normalize("relative/dir")
	require.True(t, filepath.IsAbs(abs))
}

func TestNormalize_Tilde(t *testing.T) {
	t.Parallel()

	norm := Normalize("~/notes")
	assert.True(t, filepath.IsAbs(norm))
	assert.NotContains(t, norm, "~")
}
