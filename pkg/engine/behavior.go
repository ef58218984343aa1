package engine

import (
	"time"

	"github.com/docker/folderindex/pkg/chunk"
	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/settings"
)

// smartReindexInterval is how old a smart-reindex stamp must be before a
// scheduled run forces a full reindex.
const smartReindexInterval = 24 * time.Hour

// behavior is a folder's resolved sync configuration. It is computed once
// at run start and captured for the run's lifetime: settings changes made
// mid-sync apply from the next run.
type behavior struct {
	createEmbeddings    bool
	allowsWatcherEvents bool
	allowsScheduledRuns bool
	allowsAutomaticAdd  bool

	maxFileSizeBytes int64
	maxFileLines     int
	maxLineLength    int
	chunking         chunk.Config
	tokenChunks      bool
	reindexPolicy    ledger.ReindexPolicy
}

// resolveBehavior combines a folder's config with the global settings.
func resolveBehavior(f *ledger.Folder, st settings.Store) behavior {
	b := behavior{
		allowsWatcherEvents: f.SyncMode == ledger.SyncAuto || f.SyncMode == ledger.SyncTriggered,
		allowsScheduledRuns: f.SyncMode == ledger.SyncAuto || f.SyncMode == ledger.SyncScheduled,
		allowsAutomaticAdd:  f.SyncMode == ledger.SyncAuto,
		reindexPolicy:       f.ReindexPolicy,
		maxFileLines:        st.MaxFileLines(),
		maxLineLength:       st.MaxLineLength(),
	}

	switch f.IndexingMode {
	case ledger.IndexingFull:
		b.createEmbeddings = true
	case ledger.IndexingAuto:
		b.createEmbeddings = st.VectorDBEnabled()
	}

	b.maxFileSizeBytes = f.MaxFileSizeBytes
	if b.maxFileSizeBytes <= 0 {
		b.maxFileSizeBytes = st.MaxFileSizeBytes()
	}

	b.chunking = chunk.Resolve(chunk.Preset(f.ChunkPreset), f.ChunkSizeOverride, f.ChunkOverlapOverride)
	if f.ChunkPreset == "" || f.ChunkPreset == string(chunk.PresetBalanced) {
		// The balanced preset follows the global defaults.
		b.chunking.Size = st.ChunkSize()
		b.chunking.Overlap = st.ChunkOverlap()
		if b.chunking.Overlap >= b.chunking.Size {
			b.chunking.Overlap = b.chunking.Size - 1
		}
	}

	// Hybrid retrieval needs line provenance, which only token-window
	// chunking produces.
	b.tokenChunks = st.HybridSearchEnabled()

	return b
}

// allowsTrigger reports whether the folder's sync mode authorizes a run
// started by the given trigger. Manual runs are always allowed.
func (b behavior) allowsTrigger(t Trigger) bool {
	switch t {
	case TriggerManual:
		return true
	case TriggerAuto:
		return b.allowsAutomaticAdd
	case TriggerTriggered:
		return b.allowsWatcherEvents
	case TriggerScheduled:
		return b.allowsScheduledRuns
	default:
		return false
	}
}

// shouldForceSmartReindex reports whether a scheduled run must escalate to
// a full reindex under the smart policy.
func shouldForceSmartReindex(f *ledger.Folder, t Trigger, now time.Time) bool {
	if t != TriggerScheduled || f.ReindexPolicy != ledger.ReindexSmart {
		return false
	}
	last := f.LastRun.SmartReindexAt
	return last.IsZero() || now.Sub(last) >= smartReindexInterval
}
