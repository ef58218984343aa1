package settings

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/natefinch/atomic"
)

// FileStore reads settings from a YAML file. Reads are served from a
// snapshot; Reload refreshes it. Save writes atomically so a crash never
// leaves a truncated settings file.
type FileStore struct {
	path string

	mu       sync.RWMutex
	snapshot *Static
}

// NewFileStore loads the settings file at path, creating the snapshot from
// defaults when the file does not exist.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, snapshot: NewStatic()}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Reload re-reads the settings file. A missing file resets to defaults.
func (f *FileStore) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.mu.Lock()
			f.snapshot = NewStatic()
			f.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read settings file %q: %w", f.path, err)
	}

	snapshot := NewStatic()
	if err := yaml.Unmarshal(data, snapshot); err != nil {
		return fmt.Errorf("failed to parse settings file %q: %w", f.path, err)
	}

	f.mu.Lock()
	f.snapshot = snapshot
	f.mu.Unlock()
	return nil
}

// Save persists the current snapshot atomically.
func (f *FileStore) Save() error {
	f.mu.RLock()
	snapshot := *f.snapshot
	f.mu.RUnlock()

	data, err := yaml.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write settings file %q: %w", f.path, err)
	}
	return nil
}

// Update applies fn to a copy of the snapshot and swaps it in.
func (f *FileStore) Update(fn func(*Static)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	updated := *f.snapshot
	fn(&updated)
	f.snapshot = &updated
}

func (f *FileStore) current() *Static {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshot
}

func (f *FileStore) VectorDBEnabled() bool                    { return f.current().VectorDBEnabled() }
func (f *FileStore) VectorSyncInterval() time.Duration        { return f.current().VectorSyncInterval() }
func (f *FileStore) VectorAutoSyncEnabled() bool              { return f.current().VectorAutoSyncEnabled() }
func (f *FileStore) EmbeddingProvider() EmbeddingProviderKind { return f.current().EmbeddingProvider() }
func (f *FileStore) HybridSearchEnabled() bool                { return f.current().HybridSearchEnabled() }
func (f *FileStore) ChunkSize() int                           { return f.current().ChunkSize() }
func (f *FileStore) ChunkOverlap() int                        { return f.current().ChunkOverlap() }
func (f *FileStore) MaxFileSizeBytes() int64                  { return f.current().MaxFileSizeBytes() }
func (f *FileStore) MaxFileLines() int                        { return f.current().MaxFileLines() }
func (f *FileStore) MaxLineLength() int                       { return f.current().MaxLineLength() }
