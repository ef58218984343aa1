// Package ledger holds the durable relational state of the engine: the
// folder registry and the per-file ledger with content hashes and vector
// point ownership.
package ledger

import "time"

// FolderStatus is the lifecycle state of a registered folder.
type FolderStatus string

const (
	StatusPending FolderStatus = "pending"
	StatusSyncing FolderStatus = "syncing"
	StatusSynced  FolderStatus = "synced"
	StatusError   FolderStatus = "error"
	StatusPaused  FolderStatus = "paused"
)

// IndexingMode selects what gets persisted per file.
type IndexingMode string

const (
	IndexingFilesOnly IndexingMode = "files-only"
	IndexingFull      IndexingMode = "full"
	IndexingAuto      IndexingMode = "auto"
)

// SyncMode selects who may trigger a run.
type SyncMode string

const (
	SyncAuto      SyncMode = "auto"
	SyncManual    SyncMode = "manual"
	SyncScheduled SyncMode = "scheduled"
	SyncTriggered SyncMode = "triggered"
)

// ReindexPolicy controls when unchanged files are re-embedded.
type ReindexPolicy string

const (
	ReindexSmart  ReindexPolicy = "smart"
	ReindexAlways ReindexPolicy = "always"
	ReindexNever  ReindexPolicy = "never"
)

// FileStatus is the per-file indexing state.
type FileStatus string

const (
	FileStatusPending FileStatus = "pending"
	FileStatusIndexed FileStatus = "indexed"
	FileStatusFailed  FileStatus = "failed"
)

// MinSyncCadenceMinutes is the floor for scheduled-cadence configuration.
const MinSyncCadenceMinutes = 5

// RunMetadata records the outcome of the last sync run.
type RunMetadata struct {
	Trigger        string    `json:"trigger,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
	SmartReindexAt time.Time `json:"smart_reindex_at,omitempty"`
}

// Folder is one registered root directory of an agent.
type Folder struct {
	ID      string
	AgentID string
	UserID  string

	// Path is stored normalized: tilde expanded, absolute, no trailing
	// separator.
	Path string

	Recursive            bool
	IncludeExtensions    []string
	ExcludePatterns      []string
	FileTypeFilters      []string
	RespectGitignore     bool
	MaxFileSizeBytes     int64
	ChunkPreset          string
	ChunkSizeOverride    int
	ChunkOverlapOverride int
	IndexingMode         IndexingMode
	SyncMode             SyncMode
	SyncCadenceMinutes   int
	ReindexPolicy        ReindexPolicy

	Status         FolderStatus
	LastError      string
	LastSyncedAt   time.Time
	UpdatedAt      time.Time
	CreatedAt      time.Time
	FileCount      int
	ChunkCount     int
	SkipReasons    map[string]int
	LastRun        RunMetadata
	EmbeddingModel string
	IsPrimary      bool
}

// File is one ledger row: a file the engine has seen inside a folder.
type File struct {
	ID           string
	FolderID     string
	AgentID      string
	Path         string
	RelativePath string
	ContentHash  string
	SizeBytes    int64
	ModifiedAt   time.Time
	ChunkCount   int
	// VectorPointIDs is the ordered list of vector rows owned by this file.
	VectorPointIDs []string
	Status         FileStatus
	LastIndexedAt  time.Time
}

// FolderPatch updates a subset of a folder's settings. Nil fields are left
// unchanged.
type FolderPatch struct {
	Recursive            *bool
	IncludeExtensions    *[]string
	ExcludePatterns      *[]string
	FileTypeFilters      *[]string
	RespectGitignore     *bool
	MaxFileSizeBytes     *int64
	ChunkPreset          *string
	ChunkSizeOverride    *int
	ChunkOverlapOverride *int
	IndexingMode         *IndexingMode
	SyncMode             *SyncMode
	SyncCadenceMinutes   *int
	ReindexPolicy        *ReindexPolicy
}
