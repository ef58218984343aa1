// Package settings exposes the engine's global configuration: read-only
// getters consumed by the sync pipeline, plus a YAML-file-backed store.
package settings

import "time"

// EmbeddingProviderKind distinguishes remote APIs from on-device models.
type EmbeddingProviderKind string

const (
	EmbeddingProviderRemote EmbeddingProviderKind = "remote"
	EmbeddingProviderLocal  EmbeddingProviderKind = "local"
)

// Store is the read-only settings capability consumed by the engine.
type Store interface {
	VectorDBEnabled() bool
	VectorSyncInterval() time.Duration
	VectorAutoSyncEnabled() bool
	EmbeddingProvider() EmbeddingProviderKind
	HybridSearchEnabled() bool

	// Global chunking and per-file limits. Folder-level overrides win.
	ChunkSize() int
	ChunkOverlap() int
	MaxFileSizeBytes() int64
	MaxFileLines() int
	MaxLineLength() int
}

// Defaults applied wherever the stored value is absent or out of range.
const (
	DefaultSyncIntervalMinutes = 15
	MinSyncIntervalMinutes     = 5

	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 75

	DefaultMaxFileSizeBytes = 2 << 20 // 2 MiB
	DefaultMaxFileLines     = 20000
	DefaultMaxLineLength    = 10000
)

// Static is an in-memory Store, used by tests and as the value type the
// file store decodes into.
type Static struct {
	VectorDB          bool                  `yaml:"vector_db_enabled"`
	SyncIntervalMin   int                   `yaml:"vector_sync_interval_minutes"`
	AutoSync          bool                  `yaml:"vector_auto_sync_enabled"`
	Provider          EmbeddingProviderKind `yaml:"embedding_provider"`
	Hybrid            bool                  `yaml:"hybrid_search_enabled"`
	ChunkSizeChars    int                   `yaml:"chunk_size"`
	ChunkOverlapChars int                   `yaml:"chunk_overlap"`
	MaxFileSize       int64                 `yaml:"max_file_size_bytes"`
	MaxLines          int                   `yaml:"max_file_lines"`
	MaxLineLen        int                   `yaml:"max_line_length"`
}

// NewStatic returns a Static populated with defaults: vector DB and auto
// sync enabled, remote provider, hybrid search on.
func NewStatic() *Static {
	return &Static{
		VectorDB:          true,
		SyncIntervalMin:   DefaultSyncIntervalMinutes,
		AutoSync:          true,
		Provider:          EmbeddingProviderRemote,
		Hybrid:            true,
		ChunkSizeChars:    DefaultChunkSize,
		ChunkOverlapChars: DefaultChunkOverlap,
		MaxFileSize:       DefaultMaxFileSizeBytes,
		MaxLines:          DefaultMaxFileLines,
		MaxLineLen:        DefaultMaxLineLength,
	}
}

func (s *Static) VectorDBEnabled() bool       { return s.VectorDB }
func (s *Static) VectorAutoSyncEnabled() bool { return s.AutoSync }
func (s *Static) HybridSearchEnabled() bool   { return s.Hybrid }

func (s *Static) VectorSyncInterval() time.Duration {
	minutes := s.SyncIntervalMin
	if minutes < MinSyncIntervalMinutes {
		minutes = MinSyncIntervalMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Static) EmbeddingProvider() EmbeddingProviderKind {
	if s.Provider == EmbeddingProviderLocal {
		return EmbeddingProviderLocal
	}
	return EmbeddingProviderRemote
}

func (s *Static) ChunkSize() int {
	if s.ChunkSizeChars <= 0 {
		return DefaultChunkSize
	}
	return s.ChunkSizeChars
}

func (s *Static) ChunkOverlap() int {
	if s.ChunkOverlapChars < 0 {
		return DefaultChunkOverlap
	}
	return s.ChunkOverlapChars
}

func (s *Static) MaxFileSizeBytes() int64 {
	if s.MaxFileSize <= 0 {
		return DefaultMaxFileSizeBytes
	}
	return s.MaxFileSize
}

func (s *Static) MaxFileLines() int {
	if s.MaxLines <= 0 {
		return DefaultMaxFileLines
	}
	return s.MaxLines
}

func (s *Static) MaxLineLength() int {
	if s.MaxLineLen <= 0 {
		return DefaultMaxLineLength
	}
	return s.MaxLineLen
}
