// Package logging provides the size-rotating writer behind the engine's
// --log-file flag. Watch mode runs unattended for weeks while syncs and
// watcher batches log continuously, so the log is capped and rotated in
// place instead of growing without bound.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Defaults sized for a long-lived watch process: a full set of backups is
// a few sync cycles of history without eating the data directory.
const (
	DefaultMaxSize    = 10 * 1024 * 1024 // 10MB
	DefaultMaxBackups = 3
)

// DefaultLogName is the file name used under the data directory when the
// caller gives no explicit path.
const DefaultLogName = "folderindex.log"

// RotatingFile is an io.WriteCloser that renames the log aside and starts
// fresh whenever a write would push it past the size limit. Backups are
// numbered path.1 (newest) through path.N (oldest).
type RotatingFile struct {
	path       string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// Option configures a RotatingFile.
type Option func(*RotatingFile)

// WithMaxSize caps the log file size in bytes before rotation.
func WithMaxSize(size int64) Option {
	return func(r *RotatingFile) {
		r.maxSize = size
	}
}

// WithMaxBackups caps how many rotated files are kept.
func WithMaxBackups(count int) Option {
	return func(r *RotatingFile) {
		r.maxBackups = count
	}
}

// NewRotatingFile opens (creating directories as needed) a rotating log
// writer at path. An existing log is appended to, not truncated, so a
// restarted watch process keeps its history.
func NewRotatingFile(path string, opts ...Option) (*RotatingFile, error) {
	r := &RotatingFile{
		path:       path,
		maxSize:    DefaultMaxSize,
		maxBackups: DefaultMaxBackups,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write implements io.Writer. A write that would exceed the cap rotates
// first; the write itself is never split across files.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close implements io.Closer.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

func (r *RotatingFile) open() error {
	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	r.file = file
	r.size = info.Size()
	return nil
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}

	// Age every backup by one slot, dropping the one that falls off the
	// end, then move the live log into slot 1.
	_ = os.Remove(r.backupPath(r.maxBackups))
	for i := r.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(r.backupPath(i), r.backupPath(i+1))
	}
	if err := os.Rename(r.path, r.backupPath(1)); err != nil && !os.IsNotExist(err) {
		return err
	}

	r.size = 0
	return r.open()
}

func (r *RotatingFile) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", r.path, n)
}
