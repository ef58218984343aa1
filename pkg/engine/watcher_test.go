package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/taskregistry"
)

// syncAndWatch syncs the folder and asserts the watcher came up.
func syncAndWatch(t *testing.T, env *testEnv, folderID string) {
	t.Helper()
	res, err := env.svc.SyncFolder(context.Background(), folderID,
		SyncOptions{Parallel: true, Trigger: TriggerManual})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSynced, res.Status)
	require.True(t, env.svc.IsWatching(folderID), "watcher should start after a synced auto-mode run")
}

func TestWatcher_IndexesNewFile(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("native watcher test requires inotify/FSEvents")
	}

	env := newTestEnv(t)
	ctx := context.Background()

	env.writeDoc(t, "seed.md", "seed content so the folder syncs")
	folder := env.addFolder(t, "a1")
	syncAndWatch(t, env, folder.ID)

	env.writeDoc(t, "new.md", "freshly created document body")

	eventually(t, 15*time.Second, func() bool {
		_, err := env.ledger.GetFile(ctx, folder.ID, filepath.Join(env.docs, "new.md"))
		return err == nil
	}, "new file should be indexed by the watcher batch")
}

func TestWatcher_RemovesUnlinkedFile(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("native watcher test requires inotify/FSEvents")
	}

	env := newTestEnv(t)
	ctx := context.Background()

	path := env.writeDoc(t, "gone.md", "soon to be deleted")
	folder := env.addFolder(t, "a1")
	syncAndWatch(t, env, folder.ID)

	require.NoError(t, os.Remove(path))

	eventually(t, 15*time.Second, func() bool {
		_, err := env.ledger.GetFile(ctx, folder.ID, path)
		return err == ledger.ErrFileNotFound
	}, "unlinked file should leave the ledger")
}

func TestWatcher_DefersWhileAgentChats(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("native watcher test requires inotify/FSEvents")
	}

	env := newTestEnv(t)
	ctx := context.Background()

	env.writeDoc(t, "seed.md", "seed content for the defer test")
	folder := env.addFolder(t, "a1")

	require.NoError(t, env.svc.Initialize(ctx))
	syncAndWatch(t, env, folder.ID)

	env.tasks.Started(taskregistry.TaskTypeChat, "a1")

	env.writeDoc(t, "deferred.md", "written while the agent is generating")

	// The change stays deferred while the chat run is active.
	time.Sleep(3 * time.Second)
	_, err := env.ledger.GetFile(ctx, folder.ID, filepath.Join(env.docs, "deferred.md"))
	assert.ErrorIs(t, err, ledger.ErrFileNotFound)

	env.tasks.Completed(taskregistry.TaskTypeChat, "a1")

	eventually(t, 15*time.Second, func() bool {
		_, err := env.ledger.GetFile(ctx, folder.ID, filepath.Join(env.docs, "deferred.md"))
		return err == nil
	}, "deferred file should index once the chat run completes")
}

func TestWatcher_PathClaimConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeDoc(t, "a.md", "claim conflict content")
	f1 := env.addFolder(t, "a1")
	f2, err := env.svc.AddFolder(ctx, AddFolderConfig{AgentID: "a2", Path: env.docs, Recursive: true})
	require.NoError(t, err)

	res, err := env.svc.SyncFolder(ctx, f1.ID, SyncOptions{Parallel: true, Trigger: TriggerManual})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSynced, res.Status)
	require.True(t, env.svc.IsWatching(f1.ID))

	// Second folder over the same path: the claim is refused but the sync
	// itself succeeds.
	res, err = env.svc.SyncFolder(ctx, f2.ID, SyncOptions{Parallel: true, Trigger: TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSynced, res.Status)
	assert.False(t, env.svc.IsWatching(f2.ID))
	assert.True(t, env.svc.IsWatching(f1.ID))
}

func TestStopAllWatchers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.writeDoc(t, "a.md", "stop all content")
	folder := env.addFolder(t, "a1")
	_, err := env.svc.SyncFolder(ctx, folder.ID, SyncOptions{Parallel: true, Trigger: TriggerManual})
	require.NoError(t, err)
	require.True(t, env.svc.IsWatching(folder.ID))

	env.svc.StopAllWatchers()
	assert.False(t, env.svc.IsWatching(folder.ID))
	assert.Empty(t, env.svc.GetWatchedFolders())
}
