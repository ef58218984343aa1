package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/settings"
)

func TestResolveBehavior(t *testing.T) {
	t.Parallel()

	st := settings.NewStatic()

	tests := []struct {
		name          string
		indexingMode  ledger.IndexingMode
		syncMode      ledger.SyncMode
		vectorDB      bool
		wantEmbed     bool
		wantWatcher   bool
		wantScheduled bool
		wantAutoAdd   bool
	}{
		{
			name:         "full always embeds",
			indexingMode: ledger.IndexingFull, syncMode: ledger.SyncAuto, vectorDB: false,
			wantEmbed: true, wantWatcher: true, wantScheduled: true, wantAutoAdd: true,
		},
		{
			name:         "auto follows global flag on",
			indexingMode: ledger.IndexingAuto, syncMode: ledger.SyncAuto, vectorDB: true,
			wantEmbed: true, wantWatcher: true, wantScheduled: true, wantAutoAdd: true,
		},
		{
			name:         "auto follows global flag off",
			indexingMode: ledger.IndexingAuto, syncMode: ledger.SyncAuto, vectorDB: false,
			wantEmbed: false, wantWatcher: true, wantScheduled: true, wantAutoAdd: true,
		},
		{
			name:         "files-only never embeds",
			indexingMode: ledger.IndexingFilesOnly, syncMode: ledger.SyncAuto, vectorDB: true,
			wantEmbed: false, wantWatcher: true, wantScheduled: true, wantAutoAdd: true,
		},
		{
			name:         "manual mode authorizes nothing automatic",
			indexingMode: ledger.IndexingAuto, syncMode: ledger.SyncManual, vectorDB: true,
			wantEmbed: true, wantWatcher: false, wantScheduled: false, wantAutoAdd: false,
		},
		{
			name:         "triggered mode allows watcher only",
			indexingMode: ledger.IndexingAuto, syncMode: ledger.SyncTriggered, vectorDB: true,
			wantEmbed: true, wantWatcher: true, wantScheduled: false, wantAutoAdd: false,
		},
		{
			name:         "scheduled mode allows schedule only",
			indexingMode: ledger.IndexingAuto, syncMode: ledger.SyncScheduled, vectorDB: true,
			wantEmbed: true, wantWatcher: false, wantScheduled: true, wantAutoAdd: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := *st
			st.VectorDB = tt.vectorDB

			f := &ledger.Folder{IndexingMode: tt.indexingMode, SyncMode: tt.syncMode}
			b := resolveBehavior(f, &st)

			assert.Equal(t, tt.wantEmbed, b.createEmbeddings)
			assert.Equal(t, tt.wantWatcher, b.allowsWatcherEvents)
			assert.Equal(t, tt.wantScheduled, b.allowsScheduledRuns)
			assert.Equal(t, tt.wantAutoAdd, b.allowsAutomaticAdd)
		})
	}
}

func TestBehavior_AllowsTrigger(t *testing.T) {
	t.Parallel()

	manualOnly := behavior{}
	assert.True(t, manualOnly.allowsTrigger(TriggerManual))
	assert.False(t, manualOnly.allowsTrigger(TriggerAuto))
	assert.False(t, manualOnly.allowsTrigger(TriggerScheduled))
	assert.False(t, manualOnly.allowsTrigger(TriggerTriggered))

	auto := behavior{allowsWatcherEvents: true, allowsScheduledRuns: true, allowsAutomaticAdd: true}
	assert.True(t, auto.allowsTrigger(TriggerAuto))
	assert.True(t, auto.allowsTrigger(TriggerScheduled))
	assert.True(t, auto.allowsTrigger(TriggerTriggered))
}

func TestShouldForceSmartReindex(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	smart := &ledger.Folder{ReindexPolicy: ledger.ReindexSmart}
	assert.True(t, shouldForceSmartReindex(smart, TriggerScheduled, now))
	assert.False(t, shouldForceSmartReindex(smart, TriggerManual, now))

	smart.LastRun.SmartReindexAt = now.Add(-time.Hour)
	assert.False(t, shouldForceSmartReindex(smart, TriggerScheduled, now))

	smart.LastRun.SmartReindexAt = now.Add(-25 * time.Hour)
	assert.True(t, shouldForceSmartReindex(smart, TriggerScheduled, now))

	never := &ledger.Folder{ReindexPolicy: ledger.ReindexNever}
	assert.False(t, shouldForceSmartReindex(never, TriggerScheduled, now))

	// The always policy is not smart's concern: it forces through the
	// resolved behavior on every run, not via the 24 h stamp.
	always := &ledger.Folder{ReindexPolicy: ledger.ReindexAlways}
	assert.False(t, shouldForceSmartReindex(always, TriggerScheduled, now))
}

func TestResolveBehavior_ReindexPolicy(t *testing.T) {
	t.Parallel()

	st := settings.NewStatic()
	f := &ledger.Folder{IndexingMode: ledger.IndexingAuto, ReindexPolicy: ledger.ReindexAlways}
	b := resolveBehavior(f, st)
	assert.Equal(t, ledger.ReindexAlways, b.reindexPolicy)
}

func TestResolveBehavior_ChunkPresets(t *testing.T) {
	t.Parallel()

	st := settings.NewStatic()

	small := &ledger.Folder{ChunkPreset: "small", IndexingMode: ledger.IndexingAuto}
	b := resolveBehavior(small, st)
	assert.Equal(t, 900, b.chunking.Size)
	assert.Equal(t, 180, b.chunking.Overlap)

	balanced := &ledger.Folder{ChunkPreset: "balanced", IndexingMode: ledger.IndexingAuto}
	b = resolveBehavior(balanced, st)
	assert.Equal(t, st.ChunkSize(), b.chunking.Size)

	custom := &ledger.Folder{ChunkPreset: "custom", ChunkSizeOverride: 500, ChunkOverlapOverride: 600, IndexingMode: ledger.IndexingAuto}
	b = resolveBehavior(custom, st)
	assert.Equal(t, 500, b.chunking.Size)
	assert.Equal(t, 499, b.chunking.Overlap)
}
