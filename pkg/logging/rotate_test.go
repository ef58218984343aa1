package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, opts ...Option) (*RotatingFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultLogName)
	rf, err := NewRotatingFile(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rf.Close() })
	return rf, path
}

func TestRotatingFile_WriteAndAppend(t *testing.T) {
	t.Parallel()

	rf, path := newTestLog(t)

	n, err := rf.Write([]byte("first line\n"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	_, err = rf.Write([]byte("second line\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", string(content))
}

func TestRotatingFile_RotatesAtCap(t *testing.T) {
	t.Parallel()

	rf, path := newTestLog(t, WithMaxSize(50), WithMaxBackups(2))

	old := strings.Repeat("a", 30)
	fresh := strings.Repeat("b", 30)

	_, err := rf.Write([]byte(old))
	require.NoError(t, err)
	// The second write would cross 50 bytes, so it lands in a fresh file.
	_, err = rf.Write([]byte(fresh))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fresh, string(content))

	backup, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, old, string(backup))
}

func TestRotatingFile_DropsOldestBackup(t *testing.T) {
	t.Parallel()

	rf, path := newTestLog(t, WithMaxSize(20), WithMaxBackups(2))

	for _, letter := range []string{"a", "b", "c", "d"} {
		_, err := rf.Write([]byte(strings.Repeat(letter, 15)))
		require.NoError(t, err)
	}

	for _, p := range []string{path, path + ".1", path + ".2"} {
		_, err := os.Stat(p)
		require.NoError(t, err, "%s should exist", p)
	}

	// Slot 3 fell off the end.
	_, err := os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingFile_KeepsExistingHistory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), DefaultLogName)
	require.NoError(t, os.WriteFile(path, []byte("from the previous run\n"), 0o600))

	rf, err := NewRotatingFile(path)
	require.NoError(t, err)
	defer rf.Close()

	_, err = rf.Write([]byte("after restart\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from the previous run\nafter restart\n", string(content))
}

func TestRotatingFile_CreatesParentDirectories(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "nested", DefaultLogName)
	rf, err := NewRotatingFile(path)
	require.NoError(t, err)
	defer rf.Close()

	_, err = rf.Write([]byte("x"))
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
