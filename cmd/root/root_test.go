package root

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--data-dir", dataDir}, args...)
	err := Execute(context.Background(), &out, &errOut, full...)
	return out.String(), err
}

func TestExecute_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	err := Execute(context.Background(), &out, &errOut, "--help")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "folderindex")
	assert.Contains(t, out.String(), "search")
}

func TestAddListSearchFlow(t *testing.T) {
	dataDir := t.TempDir()

	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "note.md"), []byte("the indexing engine design notes"), 0o600))

	out, err := runCLI(t, dataDir, "add", "--agent", "a1", docs)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered")
	assert.Contains(t, out, "synced")

	out, err = runCLI(t, dataDir, "list", "--agent", "a1")
	require.NoError(t, err)
	assert.Contains(t, out, docs)
	assert.Contains(t, out, "synced")

	out, err = runCLI(t, dataDir, "search", "--agent", "a1", "indexing", "design")
	require.NoError(t, err)
	assert.Contains(t, out, "note.md")
}

func TestAdd_RejectsUnsafePath(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "add", "--agent", "a1", "/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filesystem root")
}

func TestSync_NothingPending(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing is pending.")
}
