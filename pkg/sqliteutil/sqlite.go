// Package sqliteutil opens the SQLite databases behind the indexing
// engine: the folder/file ledger and the per-agent vector tables. Both
// see the same access pattern — many readers (status queries, searches)
// racing a single writer (the active sync run or a watcher batch) — so
// every connection gets the same pragma set and a serialized write side.
package sqliteutil

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// openPragmas is applied to every database the engine opens.
//
//   - busy_timeout(5000): a watcher batch and a progress flush may hit the
//     same file; waiting beats surfacing SQLITE_BUSY to the sync loop.
//   - journal_mode(WAL): searches keep reading while a sync run appends
//     vector rows.
//   - foreign_keys(1): the ledger relies on constraint enforcement.
var openPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

// OpenDB opens (creating if needed) the database at path with the
// engine's pragma set. Writes are serialized through a single connection
// (MaxOpenConns=1): sync runs, watcher batches and the scheduler all
// write concurrently, and SQLite only ever admits one writer anyway.
func OpenDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+pragmaQuery())
	if err != nil {
		return nil, describeOpenError(path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Ping forces file creation so a bad data directory fails here, not
	// on the first sync.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, describeOpenError(path, err)
	}

	return db, nil
}

func pragmaQuery() string {
	parts := make([]string, len(openPragmas))
	for i, p := range openPragmas {
		parts[i] = "_pragma=" + p
	}
	return "?" + strings.Join(parts, "&")
}

// IsCantOpenError reports whether err is SQLite's CANTOPEN (code 14),
// the failure mode of a missing or unwritable data directory.
func IsCantOpenError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CANTOPEN
	}
	return false
}

// describeOpenError turns a CANTOPEN into a message that names what is
// actually wrong with the data directory; other errors pass through.
func describeOpenError(path string, err error) error {
	if !IsCantOpenError(err) {
		return err
	}

	dir := filepath.Dir(path)
	info, statErr := os.Stat(dir)
	switch {
	case os.IsNotExist(statErr):
		return fmt.Errorf("cannot create database at %q: directory %q does not exist", path, dir)
	case statErr != nil:
		return fmt.Errorf("cannot create database at %q: %w", path, statErr)
	case !info.IsDir():
		return fmt.Errorf("cannot create database at %q: %q is not a directory", path, dir)
	default:
		return fmt.Errorf("cannot create database at %q: permission denied or file cannot be created in %q (original error: %v)", path, dir, err)
	}
}
