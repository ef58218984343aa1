package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/folderindex/pkg/ignore"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestEffectiveExtensions(t *testing.T) {
	t.Parallel()

	exts := EffectiveExtensions([]string{"MD", ".txt", " go "}, nil)
	assert.Equal(t, map[string]bool{"md": true, "txt": true, "go": true}, exts)

	// file_type_filters overrides include_extensions when non-empty.
	exts = EffectiveExtensions([]string{"md"}, []string{"pdf"})
	assert.Equal(t, map[string]bool{"pdf": true}, exts)
}

func TestWalk(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), "a")
	writeFile(t, filepath.Join(root, "b.txt"), "b")
	writeFile(t, filepath.Join(root, "c.exe"), "c")
	writeFile(t, filepath.Join(root, "sub", "d.md"), "d")
	writeFile(t, filepath.Join(root, "node_modules", "e.md"), "e")

	opts := Options{
		Recursive:  true,
		Extensions: EffectiveExtensions([]string{"md", "txt"}, nil),
		Ignore:     ignore.NewAggressiveMatcher(root, nil),
	}

	files, err := Walk(context.Background(), root, opts)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, f.RelPath)
		assert.True(t, filepath.IsAbs(f.AbsPath))
	}
	assert.ElementsMatch(t, []string{"a.md", "b.txt", filepath.Join("sub", "d.md")}, rels)
}

func TestWalk_NonRecursive(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), "a")
	writeFile(t, filepath.Join(root, "sub", "b.md"), "b")

	files, err := Walk(context.Background(), root, Options{
		Recursive:  false,
		Extensions: EffectiveExtensions([]string{"md"}, nil),
	})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.md", files[0].RelPath)
}

func TestWalk_MissingRoot(t *testing.T) {
	t.Parallel()

	_, err := Walk(context.Background(), filepath.Join(t.TempDir(), "nope"), Options{
		Recursive:  true,
		Extensions: map[string]bool{"md": true},
	})
	assert.Error(t, err)
}

func TestWalk_Cancelled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.md"), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Walk(ctx, root, Options{Recursive: true, Extensions: map[string]bool{"md": true}})
	assert.ErrorIs(t, err, context.Canceled)
}
