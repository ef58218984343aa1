package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/pathsafety"
)

// StartBackgroundSync launches the periodic stale-folder tick. At most one
// tick loop runs per process; repeated calls are no-ops while one is live.
// An immediate stale sweep is kicked off without blocking the caller.
func (s *Service) StartBackgroundSync() {
	s.schedulerMu.Lock()
	if s.schedulerStop != nil {
		s.schedulerMu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.schedulerStop = stop
	s.schedulerDone = done
	s.schedulerMu.Unlock()

	interval := s.settings.VectorSyncInterval()
	slog.Info("Background sync started", "interval", interval)

	go func() {
		defer close(done)

		// Immediate first sweep.
		s.tick()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// StopBackgroundSync stops the tick loop and waits for it to exit.
func (s *Service) StopBackgroundSync() {
	s.schedulerMu.Lock()
	stop := s.schedulerStop
	done := s.schedulerDone
	s.schedulerStop = nil
	s.schedulerDone = nil
	s.schedulerMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
		slog.Info("Background sync stopped")
	}
}

// tick runs one guarded stale sweep. Ticks swallow errors; recovery on the
// next startup resolves anything they leave behind.
func (s *Service) tick() {
	s.schedulerMu.Lock()
	if s.syncAllRunning {
		s.schedulerMu.Unlock()
		slog.Debug("Stale sweep already in progress, skipping tick")
		return
	}
	s.syncAllRunning = true
	s.schedulerMu.Unlock()

	defer func() {
		s.schedulerMu.Lock()
		s.syncAllRunning = false
		s.schedulerMu.Unlock()
	}()

	if !s.settings.VectorAutoSyncEnabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()
	if _, err := s.SyncStaleFolders(ctx, defaultStaleAge); err != nil {
		slog.Error("Stale folder sweep failed", "error", err)
	}
}

// SyncStaleFolders syncs every folder that is pending or whose last
// successful sync is older than max(cadence, maxAge). Runs use the
// scheduled trigger, which smart reindex may elevate to a forced run.
func (s *Service) SyncStaleFolders(ctx context.Context, maxAge time.Duration) ([]*SyncResult, error) {
	if maxAge <= 0 {
		maxAge = defaultStaleAge
	}

	stale, err := s.ledger.StaleFolders(ctx, maxAge)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	slog.Info("Syncing stale folders", "count", len(stale))
	var results []*SyncResult
	for _, f := range stale {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := s.SyncFolder(ctx, f.ID, SyncOptions{Parallel: true, Trigger: TriggerScheduled})
		if err != nil {
			if errors.Is(err, ErrTriggerNotAllowed) || errors.Is(err, ErrAlreadySyncing) {
				continue
			}
			slog.Error("Scheduled sync failed", "folder_id", f.ID, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// SyncPendingFolders syncs every folder still in status pending.
func (s *Service) SyncPendingFolders(ctx context.Context) ([]*SyncResult, error) {
	pending, err := s.ledger.GetFoldersByStatus(ctx, ledger.StatusPending)
	if err != nil {
		return nil, err
	}

	var results []*SyncResult
	for _, f := range pending {
		res, err := s.SyncFolder(ctx, f.ID, SyncOptions{Parallel: true, Trigger: TriggerAuto})
		if err != nil {
			if errors.Is(err, ErrTriggerNotAllowed) || errors.Is(err, ErrAlreadySyncing) {
				continue
			}
			slog.Error("Pending sync failed", "folder_id", f.ID, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// SyncAllForAgent syncs every folder of one agent.
func (s *Service) SyncAllForAgent(ctx context.Context, agentID string) ([]*SyncResult, error) {
	folders, err := s.ledger.GetFolders(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var results []*SyncResult
	for _, f := range folders {
		res, err := s.SyncFolder(ctx, f.ID, SyncOptions{Parallel: true, Trigger: TriggerManual})
		if err != nil {
			slog.Error("Agent sync failed", "folder_id", f.ID, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// RecoverStuckSyncingFolders demotes folders left in status syncing by a
// crashed or hot-reloaded process: rows older than the stale interval and
// not owned by a live run flip to synced (when they have indexed files) or
// error. Unsafe paths flip to paused instead. Recovery is idempotent.
func (s *Service) RecoverStuckSyncingFolders(ctx context.Context) error {
	return s.cleanupStuck(ctx, staleSyncingAge)
}

// ForceCleanupStuckFolders is the operator hammer: it demotes every
// syncing/pending row not actively owned, regardless of age.
func (s *Service) ForceCleanupStuckFolders(ctx context.Context) error {
	if err := s.cleanupStuck(ctx, 0); err != nil {
		return err
	}

	pending, err := s.ledger.GetFoldersByStatus(ctx, ledger.StatusPending)
	if err != nil {
		return err
	}
	for _, f := range pending {
		if s.ownsRun(f.ID) {
			continue
		}
		s.demoteStuck(ctx, f)
	}
	return nil
}

func (s *Service) cleanupStuck(ctx context.Context, minAge time.Duration) error {
	syncing, err := s.ledger.GetFoldersByStatus(ctx, ledger.StatusSyncing)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, f := range syncing {
		if s.ownsRun(f.ID) {
			continue
		}
		if minAge > 0 && !f.UpdatedAt.IsZero() && now.Sub(f.UpdatedAt) < minAge {
			continue
		}
		s.demoteStuck(ctx, f)
	}
	return nil
}

func (s *Service) demoteStuck(ctx context.Context, f *ledger.Folder) {
	if msg := pathsafety.Validate(f.Path); msg != "" {
		slog.Warn("Stuck folder has unsafe path, pausing", "folder_id", f.ID, "path", f.Path)
		_ = s.ledger.SetFolderStatus(ctx, f.ID, ledger.StatusPaused, msg)
		return
	}

	fileCount, _, err := s.ledger.FolderCounts(ctx, f.ID)
	if err != nil {
		slog.Error("Failed to count files for stuck folder", "folder_id", f.ID, "error", err)
		return
	}

	if fileCount > 0 {
		slog.Info("Recovering stuck folder as synced", "folder_id", f.ID, "files", fileCount)
		_ = s.ledger.SetFolderStatus(ctx, f.ID, ledger.StatusSynced, "")
	} else {
		slog.Info("Recovering stuck folder as errored", "folder_id", f.ID)
		_ = s.ledger.SetFolderStatus(ctx, f.ID, ledger.StatusError,
			"Sync was interrupted before any file was indexed.")
	}
}

func (s *Service) ownsRun(folderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncingFolders[folderID] != nil
}

// pauseUnsafeFolders flips folders whose paths fail validation to error
// with the safety message. Runs during initialization.
func (s *Service) pauseUnsafeFolders(ctx context.Context) {
	folders, err := s.ledger.GetAllFolders(ctx)
	if err != nil {
		slog.Error("Failed to list folders for safety check", "error", err)
		return
	}
	for _, f := range folders {
		if msg := pathsafety.Validate(f.Path); msg != "" && f.Status != ledger.StatusPaused {
			slog.Warn("Folder path is no longer safe", "folder_id", f.ID, "path", f.Path)
			_ = s.ledger.SetFolderStatus(ctx, f.ID, ledger.StatusError, msg)
		}
	}
}
