package sqliteutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDB(t *testing.T) {
	t.Parallel()

	// The parent directory is created on demand.
	path := filepath.Join(t.TempDir(), "nested", "data.db")
	db, err := OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id TEXT PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t (id) VALUES ('a')")
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOpenDB_PathIsFile(t *testing.T) {
	t.Parallel()

	// A file where the directory should be makes open fail with a
	// diagnosable error.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := OpenDB(filepath.Join(blocker, "data.db"))
	assert.Error(t, err)
}
