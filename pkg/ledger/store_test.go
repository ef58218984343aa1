package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testFolder(agentID, path string) *Folder {
	return &Folder{
		AgentID:            agentID,
		Path:               path,
		Recursive:          true,
		IncludeExtensions:  []string{"md"},
		ChunkPreset:        "balanced",
		IndexingMode:       IndexingAuto,
		SyncMode:           SyncAuto,
		SyncCadenceMinutes: 60,
		ReindexPolicy:      ReindexSmart,
		Status:             StatusPending,
	}
}

func TestInsertAndGetFolder(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	f := testFolder("a1", "/home/u/docs")
	f.IsPrimary = true
	require.NoError(t, s.InsertFolder(ctx, f))
	require.NotEmpty(t, f.ID)

	got, err := s.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, "/home/u/docs", got.Path)
	assert.Equal(t, []string{"md"}, got.IncludeExtensions)
	assert.True(t, got.IsPrimary)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetFolder(ctx, "missing")
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestInsertFolder_DuplicatePath(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFolder(ctx, testFolder("a1", "/home/u/docs")))
	err := s.InsertFolder(ctx, testFolder("a1", "/home/u/docs"))
	assert.ErrorIs(t, err, ErrDuplicateFolder)

	// Same path under a different agent is fine.
	require.NoError(t, s.InsertFolder(ctx, testFolder("a2", "/home/u/docs")))
}

func TestSetPrimary(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	f1 := testFolder("a1", "/home/u/one")
	f1.IsPrimary = true
	f2 := testFolder("a1", "/home/u/two")
	require.NoError(t, s.InsertFolder(ctx, f1))
	require.NoError(t, s.InsertFolder(ctx, f2))

	require.NoError(t, s.SetPrimary(ctx, f2.ID, "a1"))

	folders, err := s.GetFolders(ctx, "a1")
	require.NoError(t, err)
	primaries := 0
	for _, f := range folders {
		if f.IsPrimary {
			primaries++
			assert.Equal(t, f2.ID, f.ID)
		}
	}
	assert.Equal(t, 1, primaries)

	assert.ErrorIs(t, s.SetPrimary(ctx, "missing", "a1"), ErrFolderNotFound)
}

func TestUpdateFolderSettings(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	f := testFolder("a1", "/home/u/docs")
	require.NoError(t, s.InsertFolder(ctx, f))

	mode := SyncManual
	cadence := 1 // below floor, must clamp
	exts := []string{".MD", "Txt"}
	require.NoError(t, s.UpdateFolderSettings(ctx, f.ID, FolderPatch{
		SyncMode:           &mode,
		SyncCadenceMinutes: &cadence,
		IncludeExtensions:  &exts,
	}))

	got, err := s.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, SyncManual, got.SyncMode)
	assert.Equal(t, MinSyncCadenceMinutes, got.SyncCadenceMinutes)
	assert.Equal(t, []string{"md", "txt"}, got.IncludeExtensions)

	// Empty patch is a no-op, not an error.
	require.NoError(t, s.UpdateFolderSettings(ctx, f.ID, FolderPatch{}))
}

func TestSyncLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	f := testFolder("a1", "/home/u/docs")
	require.NoError(t, s.InsertFolder(ctx, f))

	require.NoError(t, s.MarkSyncStarted(ctx, f.ID))
	got, err := s.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSyncing, got.Status)

	run := RunMetadata{Trigger: "manual", StartedAt: time.Now().UTC(), DurationMS: 42}
	require.NoError(t, s.FinishSync(ctx, f.ID, StatusSynced, "", 3, 12,
		map[string]int{"unchanged": 2}, run, "fake/embedder"))

	got, err = s.GetFolder(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, got.Status)
	assert.Equal(t, 3, got.FileCount)
	assert.Equal(t, 12, got.ChunkCount)
	assert.Equal(t, map[string]int{"unchanged": 2}, got.SkipReasons)
	assert.Equal(t, "manual", got.LastRun.Trigger)
	assert.Equal(t, "fake/embedder", got.EmbeddingModel)
	assert.False(t, got.LastSyncedAt.IsZero())
}

func TestStaleFolders(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	pending := testFolder("a1", "/home/u/pending")
	require.NoError(t, s.InsertFolder(ctx, pending))

	fresh := testFolder("a1", "/home/u/fresh")
	require.NoError(t, s.InsertFolder(ctx, fresh))
	require.NoError(t, s.FinishSync(ctx, fresh.ID, StatusSynced, "", 1, 1, nil, RunMetadata{}, ""))

	paused := testFolder("a1", "/home/u/paused")
	require.NoError(t, s.InsertFolder(ctx, paused))
	require.NoError(t, s.SetFolderStatus(ctx, paused.ID, StatusPaused, "off"))

	stale, err := s.StaleFolders(ctx, time.Hour)
	require.NoError(t, err)

	ids := make([]string, 0, len(stale))
	for _, f := range stale {
		ids = append(ids, f.ID)
	}
	assert.Contains(t, ids, pending.ID)
	assert.NotContains(t, ids, fresh.ID)
	assert.NotContains(t, ids, paused.ID)
}

func TestFileLedger(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	folder := testFolder("a1", "/home/u/docs")
	require.NoError(t, s.InsertFolder(ctx, folder))

	file := &File{
		FolderID:       folder.ID,
		AgentID:        "a1",
		Path:           "/home/u/docs/a.md",
		RelativePath:   "a.md",
		ContentHash:    "abc",
		SizeBytes:      11,
		ChunkCount:     2,
		VectorPointIDs: []string{"v1", "v2"},
		Status:         FileStatusIndexed,
		LastIndexedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.UpsertFile(ctx, file))

	got, err := s.GetFile(ctx, folder.ID, "/home/u/docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, "abc", got.ContentHash)
	assert.Equal(t, []string{"v1", "v2"}, got.VectorPointIDs)

	// Upsert replaces on (folder_id, file_path).
	file.ContentHash = "def"
	file.VectorPointIDs = []string{"v3"}
	file.ChunkCount = 1
	require.NoError(t, s.UpsertFile(ctx, file))

	files, err := s.GetFilesByFolder(ctx, folder.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "def", files[0].ContentHash)

	fileCount, chunkCount, err := s.FolderCounts(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fileCount)
	assert.Equal(t, 1, chunkCount)

	require.NoError(t, s.DeleteFile(ctx, files[0].ID))
	_, err = s.GetFile(ctx, folder.ID, "/home/u/docs/a.md")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestDecodeJSON_LegacyDoubleEncoding(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a", "b"}, decodeStringList(`["a","b"]`))
	assert.Equal(t, []string{"a", "b"}, decodeStringList(`"[\"a\",\"b\"]"`))
	assert.Nil(t, decodeStringList("not json"))
	assert.Nil(t, decodeStringList(""))

	assert.Equal(t, map[string]int{"unchanged": 2}, decodeCountMap(`{"unchanged":2}`))
	assert.Equal(t, map[string]int{"unchanged": 2}, decodeCountMap(`"{\"unchanged\":2}"`))
	assert.Nil(t, decodeCountMap("oops"))

	meta := decodeRunMetadata(`"{\"trigger\":\"manual\"}"`)
	assert.Equal(t, "manual", meta.Trigger)
}

func TestAgentsWithFolders(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFolder(ctx, testFolder("a1", "/home/u/one")))
	require.NoError(t, s.InsertFolder(ctx, testFolder("a1", "/home/u/two")))
	require.NoError(t, s.InsertFolder(ctx, testFolder("a2", "/home/u/three")))

	agents, err := s.AgentsWithFolders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, agents)
}
