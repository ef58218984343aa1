package ignore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{
			name:     "bare segment matches any component",
			patterns: []string{"secrets"},
			path:     "/home/u/proj/secrets/key.txt",
			want:     true,
		},
		{
			name:     "bare segment does not match partial name",
			patterns: []string{"secrets"},
			path:     "/home/u/proj/secrets2/key.txt",
			want:     false,
		},
		{
			name:     "path fragment matches subpath",
			patterns: []string{"docs/generated"},
			path:     "/home/u/proj/docs/generated/api.md",
			want:     true,
		},
		{
			name:     "glob matches relative form",
			patterns: []string{"**/*.log"},
			path:     "/home/u/proj/sub/build.log",
			want:     true,
		},
		{
			name:     "glob miss",
			patterns: []string{"*.log"},
			path:     "/home/u/proj/readme.md",
			want:     false,
		},
		{
			name:     "no patterns",
			patterns: nil,
			path:     "/home/u/proj/readme.md",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewMatcher("/home/u/proj", tt.patterns)
			assert.Equal(t, tt.want, m.Matches(tt.path))
		})
	}
}

func TestAggressiveMatcher(t *testing.T) {
	t.Parallel()

	m := NewAggressiveMatcher("/home/u/proj", nil)

	assert.True(t, m.Matches("/home/u/proj/node_modules/pkg/index.js"))
	assert.True(t, m.Matches("/home/u/proj/.git/HEAD"))
	assert.True(t, m.Matches("/home/u/proj/sub/dist/bundle.js"))
	assert.False(t, m.Matches("/home/u/proj/src/main.go"))
}

func TestAggressiveMatcher_UserPatternsCompose(t *testing.T) {
	t.Parallel()

	m := NewAggressiveMatcher("/home/u/proj", []string{"drafts"})
	assert.True(t, m.Matches("/home/u/proj/drafts/a.md"))
	assert.True(t, m.Matches("/home/u/proj/node_modules/x.js"))
}
