package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/docker/folderindex/pkg/discovery"
	"github.com/docker/folderindex/pkg/ignore"
	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/pathsafety"
	"github.com/docker/folderindex/pkg/settings"
)

// pollInterval drives rescans when the watcher falls back to polling mode.
const pollInterval = 10 * time.Second

// pollingStartDelay staggers polling watcher startup after large syncs.
const pollingStartDelay = 2 * time.Second

// folderWatcher watches one folder for changes, batching them through the
// same per-file pipeline the sync run uses.
type folderWatcher struct {
	svc      *Service
	folderID string
	agentID  string
	path     string
	polling  bool

	ctx    context.Context
	cancel context.CancelFunc

	ignore *ignore.Matcher

	mu           sync.Mutex
	fsw          *fsnotify.Watcher
	debounce     *time.Timer
	batchRunning bool
	pendingRun   bool

	pollState map[string]pollEntry
}

type pollEntry struct {
	size    int64
	modTime time.Time
}

// decideWatcher starts or stops the folder's watcher after a sync run,
// per the folder's mode and the run's outcome. Folders with more than
// pollingFileThreshold files use polling on Linux, where inotify costs a
// descriptor per subtree; macOS and Windows recursive watchers do not.
func (s *Service) decideWatcher(ctx context.Context, folder *ledger.Folder, b behavior,
	status ledger.FolderStatus, fileCount int,
) {
	if !b.allowsWatcherEvents || status != ledger.StatusSynced {
		s.stopWatcher(folder.ID)
		return
	}

	s.mu.Lock()
	polling := s.pollingMode[folder.ID]
	s.mu.Unlock()
	if runtime.GOOS == "linux" && fileCount > pollingFileThreshold {
		polling = true
	}

	if err := s.startWatcher(ctx, folder, polling); err != nil {
		slog.Warn("Failed to start watcher", "folder_id", folder.ID, "error", err)
	}
}

// startWatcher claims the folder's path and starts a watcher. If another
// folder already watches the same normalized path, the claim conflict is
// recorded and the folder is left synced without a watcher.
func (s *Service) startWatcher(ctx context.Context, folder *ledger.Folder, polling bool) error {
	s.mu.Lock()
	if owner, ok := s.watchingPaths[folder.Path]; ok && owner != folder.ID {
		s.mu.Unlock()
		slog.Info("Path already watched by another folder, skipping watcher",
			"path", folder.Path, "owner", owner, "folder_id", folder.ID)
		return nil
	}
	if existing := s.watchers[folder.ID]; existing != nil {
		s.mu.Unlock()
		if existing.polling == polling {
			return nil
		}
		// Mode changed; rebuild.
		s.stopWatcher(folder.ID)
		s.mu.Lock()
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &folderWatcher{
		svc:      s,
		folderID: folder.ID,
		agentID:  folder.AgentID,
		path:     folder.Path,
		polling:  polling,
		ctx:      wctx,
		cancel:   cancel,
		ignore:   ignore.NewAggressiveMatcher(folder.Path, folder.ExcludePatterns),
	}
	s.watchers[folder.ID] = w
	s.watchingPaths[folder.Path] = folder.ID
	s.mu.Unlock()

	if polling {
		time.AfterFunc(pollingStartDelay, func() {
			if wctx.Err() == nil {
				go w.pollLoop()
			}
		})
		slog.Info("Watcher starting in polling mode", "folder_id", folder.ID, "path", folder.Path)
		return nil
	}

	if err := w.startNative(folder.Recursive); err != nil {
		s.mu.Lock()
		delete(s.watchers, folder.ID)
		if s.watchingPaths[folder.Path] == folder.ID {
			delete(s.watchingPaths, folder.Path)
		}
		s.mu.Unlock()
		cancel()
		return err
	}

	slog.Info("Watcher started", "folder_id", folder.ID, "path", folder.Path)
	return nil
}

// stopWatcher tears down the folder's watcher and releases its path claim.
func (s *Service) stopWatcher(folderID string) {
	s.mu.Lock()
	w := s.watchers[folderID]
	delete(s.watchers, folderID)
	if w != nil && s.watchingPaths[w.path] == folderID {
		delete(s.watchingPaths, w.path)
	}
	s.mu.Unlock()

	if w != nil {
		w.stop()
	}
}

// StopAllWatchers stops every watcher. Used on shutdown and at startup to
// clear residue from a previous incarnation.
func (s *Service) StopAllWatchers() {
	s.mu.Lock()
	ws := make([]*folderWatcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	s.watchers = make(map[string]*folderWatcher)
	s.watchingPaths = make(map[string]string)
	s.mu.Unlock()

	for _, w := range ws {
		w.stop()
	}
}

// IsWatching reports whether the folder has a live watcher.
func (s *Service) IsWatching(folderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers[folderID] != nil
}

// GetWatchedFolders returns the folder IDs with live watchers.
func (s *Service) GetWatchedFolders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	return ids
}

// restartWatchers starts watchers for every synced folder whose mode allows
// watcher events. Used during initialization.
func (s *Service) restartWatchers(ctx context.Context) {
	folders, err := s.ledger.GetFoldersByStatus(ctx, ledger.StatusSynced)
	if err != nil {
		slog.Error("Failed to list synced folders for watcher restart", "error", err)
		return
	}
	for _, f := range folders {
		b := resolveBehavior(f, s.settings)
		if !b.allowsWatcherEvents {
			continue
		}
		if msg := pathsafety.Validate(f.Path); msg != "" {
			continue
		}
		if err := s.startWatcher(ctx, f, false); err != nil {
			slog.Warn("Failed to restart watcher", "folder_id", f.ID, "error", err)
		}
	}
}

// watcher internals

func (w *folderWatcher) startNative(recursive bool) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	if err := fsw.Add(w.path); err != nil {
		_ = fsw.Close()
		return w.classifyStartError(err)
	}

	if recursive {
		// The ignore matcher runs before Add so heavy directories never
		// cost a descriptor.
		walkErr := filepath.WalkDir(w.path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() || p == w.path {
				return nil
			}
			if w.ignore.Matches(p) {
				return fs.SkipDir
			}
			if err := fsw.Add(p); err != nil {
				if isFDExhaustion(err) {
					return err
				}
				slog.Debug("Failed to watch directory", "dir", p, "error", err)
			}
			return nil
		})
		if walkErr != nil && isFDExhaustion(walkErr) {
			w.forceClose()
			return w.classifyStartError(walkErr)
		}
	}

	go w.eventLoop()
	return nil
}

func (w *folderWatcher) eventLoop() {
	for {
		w.mu.Lock()
		fsw := w.fsw
		w.mu.Unlock()
		if fsw == nil {
			return
		}

		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.handleWatchError(err)
		}
	}
}

func (w *folderWatcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	if w.ignore.Matches(path) {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Unlink is handled immediately, not batched.
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 30*time.Second)
			defer cancel()
			if err := w.svc.RemoveFile(ctx, w.folderID, path); err != nil {
				slog.Debug("Failed to remove unlinked file", "path", path, "error", err)
			}
		}()

	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if event.Op&fsnotify.Create != 0 {
				w.mu.Lock()
				fsw := w.fsw
				w.mu.Unlock()
				if fsw != nil {
					if err := fsw.Add(path); err != nil && isFDExhaustion(err) {
						w.handleWatchError(err)
					}
				}
			}
			return
		}
		w.enqueue(path)
	}
}

// enqueue places a changed path in the folder's ready queue, or in the
// deferred queue while the owning agent has an active chat run.
func (w *folderWatcher) enqueue(path string) {
	s := w.svc
	s.mu.Lock()
	if s.chatRuns[w.agentID] > 0 {
		set := s.deferred[w.folderID]
		if set == nil {
			set = make(map[string]bool)
			s.deferred[w.folderID] = set
		}
		set[path] = true
		s.mu.Unlock()
		slog.Debug("Change deferred while agent is chatting", "folder_id", w.folderID, "path", path)
		return
	}
	set := s.queues[w.folderID]
	if set == nil {
		set = make(map[string]bool)
		s.queues[w.folderID] = set
	}
	set[path] = true
	s.mu.Unlock()

	w.armDebounce()
}

// armDebounce (re)starts the 1s debounce timer that fires a batch.
func (w *folderWatcher) armDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.runBatch)
}

// runBatch drains the folder's queue through the per-file pipeline.
// Batches are serialized per folder: a batch arriving while one runs sets
// a pending flag and re-arms when the current batch finishes.
func (w *folderWatcher) runBatch() {
	w.mu.Lock()
	if w.batchRunning {
		w.pendingRun = true
		w.mu.Unlock()
		return
	}
	w.batchRunning = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.batchRunning = false
		rearm := w.pendingRun
		w.pendingRun = false
		w.mu.Unlock()
		if rearm {
			w.armDebounce()
		}
	}()

	s := w.svc
	s.mu.Lock()
	queue := s.queues[w.folderID]
	delete(s.queues, w.folderID)
	s.mu.Unlock()
	if len(queue) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 30*time.Minute)
	defer cancel()

	// Mode resolution is reapplied per batch: the folder's config may have
	// changed since the watcher started.
	folder, err := s.ledger.GetFolder(ctx, w.folderID)
	if err != nil {
		slog.Warn("Watcher batch: folder vanished", "folder_id", w.folderID, "error", err)
		return
	}
	b := resolveBehavior(folder, s.settings)
	if !b.allowsWatcherEvents {
		slog.Debug("Watcher events no longer allowed, dropping batch", "folder_id", w.folderID)
		s.stopWatcher(w.folderID)
		return
	}

	extensions := discovery.EffectiveExtensions(folder.IncludeExtensions, folder.FileTypeFilters)
	counters := &syncCounters{lastFlush: time.Now()}

	concurrency := defaultConcurrency
	if s.settings.EmbeddingProvider() == settings.EmbeddingProviderLocal {
		concurrency = localConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for path := range queue {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			info, err := os.Stat(path)
			if err != nil {
				// Vanished between event and batch.
				_ = s.RemoveFile(gctx, w.folderID, path)
				return nil
			}
			if info.IsDir() {
				return nil
			}

			ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
			if !extensions[ext] || w.ignore.Matches(path) {
				return nil
			}

			rel, relErr := filepath.Rel(folder.Path, path)
			if relErr != nil {
				rel = filepath.Base(path)
			}

			existing, err := s.ledger.GetFile(gctx, w.folderID, path)
			if err != nil && err != ledger.ErrFileNotFound {
				slog.Warn("Watcher batch: ledger lookup failed", "path", path, "error", err)
				return nil
			}

			s.processFile(gctx, folder, b, discovery.File{AbsPath: path, RelPath: rel}, existing, false, counters)
			return nil
		})
	}
	_ = g.Wait()

	if fileCount, chunkCount, err := s.ledger.FolderCounts(ctx, w.folderID); err == nil {
		_ = s.ledger.FlushProgress(ctx, w.folderID, fileCount, chunkCount)
	}

	counters.mu.Lock()
	indexed, skipped, failed := counters.indexed, counters.skipped, counters.errored
	counters.mu.Unlock()
	slog.Info("Watcher batch finished",
		"folder_id", w.folderID,
		"queued", len(queue),
		"indexed", indexed,
		"skipped", skipped,
		"errors", failed)
}

// pollLoop periodically rescans the folder and synthesizes change events.
func (w *folderWatcher) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	w.pollScan(true)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.pollScan(false)
		}
	}
}

func (w *folderWatcher) pollScan(initial bool) {
	s := w.svc
	folder, err := s.ledger.GetFolder(w.ctx, w.folderID)
	if err != nil {
		return
	}

	files, err := discovery.Walk(w.ctx, w.path, discovery.Options{
		Recursive:  folder.Recursive,
		Extensions: discovery.EffectiveExtensions(folder.IncludeExtensions, folder.FileTypeFilters),
		Ignore:     w.ignore,
	})
	if err != nil {
		w.handleWatchError(err)
		return
	}

	seen := make(map[string]bool, len(files))
	state := make(map[string]pollEntry, len(files))
	for _, f := range files {
		info, err := os.Stat(f.AbsPath)
		if err != nil {
			continue
		}
		seen[f.AbsPath] = true
		entry := pollEntry{size: info.Size(), modTime: info.ModTime()}
		state[f.AbsPath] = entry

		if initial {
			continue
		}
		prev, known := w.pollState[f.AbsPath]
		if !known || prev.size != entry.size || !prev.modTime.Equal(entry.modTime) {
			w.enqueue(f.AbsPath)
		}
	}

	if !initial {
		for path := range w.pollState {
			if !seen[path] {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 30*time.Second)
				if err := s.RemoveFile(ctx, w.folderID, path); err != nil {
					slog.Debug("Failed to remove unlinked file", "path", path, "error", err)
				}
				cancel()
			}
		}
	}

	w.pollState = state
}

// stop cancels the watcher and closes the native handle. close() may fail
// when descriptors are exhausted; the handle is dropped either way.
func (w *folderWatcher) stop() {
	w.cancel()
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()
	w.forceClose()
}

func (w *folderWatcher) forceClose() {
	w.mu.Lock()
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()
	if fsw != nil {
		if err := fsw.Close(); err != nil {
			slog.Debug("Watcher close failed", "folder_id", w.folderID, "error", err)
		}
	}
}

// handleWatchError applies the resilience rules: permission errors are
// counted and pause the folder after a limit; descriptor exhaustion
// switches to polling mode with backoff, pausing after repeated failures.
func (w *folderWatcher) handleWatchError(err error) {
	s := w.svc

	switch {
	case isPermissionError(err):
		s.mu.Lock()
		s.permErrors[w.folderID]++
		count := s.permErrors[w.folderID]
		s.mu.Unlock()

		if count == 1 || count == permErrorLimit {
			// Suppress the spam in between.
			slog.Warn("Watcher permission error", "folder_id", w.folderID, "count", count, "error", err)
		}
		if count >= permErrorLimit {
			s.stopWatcher(w.folderID)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = s.ledger.SetFolderStatus(ctx, w.folderID, ledger.StatusPaused,
				"Folder watching paused: repeated permission errors. Check the folder's access rights and sync manually.")
		}

	case isFDExhaustion(err):
		w.forceClose()

		s.mu.Lock()
		s.pollingMode[w.folderID] = true
		s.emfileRetries[w.folderID]++
		attempt := s.emfileRetries[w.folderID]
		s.mu.Unlock()

		if attempt > emfileRetryLimit {
			slog.Error("Watcher descriptor exhaustion persists, pausing folder", "folder_id", w.folderID)
			s.stopWatcher(w.folderID)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = s.ledger.SetFolderStatus(ctx, w.folderID, ledger.StatusPaused,
				"Folder watching paused: the system ran out of file watches. Reduce the folder size or raise the OS limit.")
			return
		}

		backoff := emfileBackoff[min(attempt-1, len(emfileBackoff)-1)]
		slog.Warn("Watcher hit descriptor limits, restarting in polling mode",
			"folder_id", w.folderID, "attempt", attempt, "backoff", backoff)

		time.AfterFunc(backoff, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			folder, err := s.ledger.GetFolder(ctx, w.folderID)
			if err != nil {
				return
			}
			s.stopWatcher(w.folderID)
			if err := s.startWatcher(ctx, folder, true); err != nil {
				slog.Warn("Polling watcher restart failed", "folder_id", w.folderID, "error", err)
			}
		})

	default:
		slog.Error("File watcher error", "folder_id", w.folderID, "error", err)
	}
}

func (w *folderWatcher) classifyStartError(err error) error {
	w.handleWatchError(err)
	return err
}

func isPermissionError(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM)
}

func isFDExhaustion(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.EBADF)
}
