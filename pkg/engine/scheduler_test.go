package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/folderindex/pkg/ledger"
)

func TestBackgroundSync_StartStop(t *testing.T) {
	env := newTestEnv(t)

	env.svc.StartBackgroundSync()
	// Second start is a no-op while the loop is live.
	env.svc.StartBackgroundSync()

	env.svc.StopBackgroundSync()
	// Stopping again does not block or panic.
	env.svc.StopBackgroundSync()
}

func TestBackgroundSync_SyncsPendingFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeDoc(t, "a.md", "background sync content")
	folder := env.addFolder(t, "a1")

	env.svc.StartBackgroundSync()
	defer env.svc.StopBackgroundSync()

	eventually(t, 20*time.Second, func() bool {
		got, err := env.svc.GetFolder(ctx, folder.ID)
		return err == nil && got.Status == ledger.StatusSynced
	}, "pending folder should be picked up by the immediate stale sweep")

	got, err := env.svc.GetFolder(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", got.LastRun.Trigger)
}

func TestSyncPendingFolders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeDoc(t, "a.md", "pending content")
	env.addFolder(t, "a1")

	results, err := env.svc.SyncPendingFolders(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ledger.StatusSynced, results[0].Status)

	// Nothing left pending afterwards.
	results, err = env.svc.SyncPendingFolders(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestInitialize_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Initialize(ctx))
	require.NoError(t, env.svc.Initialize(ctx))
}

func TestInitialize_RestartsWatchers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeDoc(t, "a.md", "restart content")
	folder := env.addFolder(t, "a1")
	_, err := env.svc.SyncFolder(ctx, folder.ID, SyncOptions{Parallel: true, Trigger: TriggerManual})
	require.NoError(t, err)
	require.True(t, env.svc.IsWatching(folder.ID))

	// Initialize stops residue and restarts watchers for synced folders.
	require.NoError(t, env.svc.Initialize(ctx))
	assert.True(t, env.svc.IsWatching(folder.ID))
}
