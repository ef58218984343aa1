package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/folderindex/pkg/chunk"
	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/pathsafety"
)

// AddFolderConfig is the caller-facing configuration for registering a
// folder.
type AddFolderConfig struct {
	AgentID string
	UserID  string
	Path    string

	Recursive            bool
	IncludeExtensions    []string
	ExcludePatterns      []string
	FileTypeFilters      []string
	RespectGitignore     bool
	MaxFileSizeBytes     int64
	ChunkPreset          string
	ChunkSizeOverride    int
	ChunkOverlapOverride int
	IndexingMode         ledger.IndexingMode
	SyncMode             ledger.SyncMode
	SyncCadenceMinutes   int
	ReindexPolicy        ledger.ReindexPolicy
}

// defaultIncludeExtensions is used when the caller supplies none.
var defaultIncludeExtensions = []string{
	"md", "markdown", "txt", "rst", "org",
	"pdf", "html", "htm",
	"json", "yaml", "yml", "toml", "csv",
	"go", "js", "ts", "jsx", "tsx", "py", "rb", "rs", "java", "c", "h",
	"cpp", "hpp", "cs", "php", "sh", "sql", "swift", "kt",
}

// AddFolder validates and registers a folder. The first folder of an agent
// becomes its primary. The inserted folder starts in status pending.
func (s *Service) AddFolder(ctx context.Context, cfg AddFolderConfig) (*ledger.Folder, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	if msg := pathsafety.Validate(cfg.Path); msg != "" {
		return nil, fmt.Errorf("%s", msg)
	}
	normPath := pathsafety.Normalize(cfg.Path)

	existing, err := s.ledger.GetFolders(ctx, cfg.AgentID)
	if err != nil {
		return nil, err
	}
	for _, f := range existing {
		if f.Path == normPath {
			return nil, ledger.ErrDuplicateFolder
		}
	}

	include := ledger.NormalizeExtensions(cfg.IncludeExtensions)
	if len(include) == 0 {
		include = append([]string{}, defaultIncludeExtensions...)
	}

	cadence := cfg.SyncCadenceMinutes
	if cadence < ledger.MinSyncCadenceMinutes {
		cadence = 60
	}

	folder := &ledger.Folder{
		AgentID:              cfg.AgentID,
		UserID:               cfg.UserID,
		Path:                 normPath,
		Recursive:            cfg.Recursive,
		IncludeExtensions:    include,
		ExcludePatterns:      cfg.ExcludePatterns,
		FileTypeFilters:      ledger.NormalizeExtensions(cfg.FileTypeFilters),
		RespectGitignore:     cfg.RespectGitignore,
		MaxFileSizeBytes:     cfg.MaxFileSizeBytes,
		ChunkPreset:          orDefault(cfg.ChunkPreset, string(chunk.PresetBalanced)),
		ChunkSizeOverride:    cfg.ChunkSizeOverride,
		ChunkOverlapOverride: cfg.ChunkOverlapOverride,
		IndexingMode:         orDefault(cfg.IndexingMode, ledger.IndexingAuto),
		SyncMode:             orDefault(cfg.SyncMode, ledger.SyncAuto),
		SyncCadenceMinutes:   cadence,
		ReindexPolicy:        orDefault(cfg.ReindexPolicy, ledger.ReindexSmart),
		Status:               ledger.StatusPending,
		IsPrimary:            len(existing) == 0,
	}

	if err := s.ledger.InsertFolder(ctx, folder); err != nil {
		return nil, err
	}

	slog.Info("Folder registered",
		"folder_id", folder.ID,
		"agent_id", folder.AgentID,
		"path", folder.Path,
		"primary", folder.IsPrimary)

	s.events.emit(FolderEvent{Type: FolderAdded, AgentID: folder.AgentID, FolderID: folder.ID, Folder: folder})
	return folder, nil
}

// GetFolders lists an agent's folders.
func (s *Service) GetFolders(ctx context.Context, agentID string) ([]*ledger.Folder, error) {
	return s.ledger.GetFolders(ctx, agentID)
}

// GetAllFolders lists every registered folder.
func (s *Service) GetAllFolders(ctx context.Context) ([]*ledger.Folder, error) {
	return s.ledger.GetAllFolders(ctx)
}

// GetFolder loads one folder.
func (s *Service) GetFolder(ctx context.Context, folderID string) (*ledger.Folder, error) {
	return s.ledger.GetFolder(ctx, folderID)
}

// SetPrimary makes the folder the agent's primary.
func (s *Service) SetPrimary(ctx context.Context, folderID, agentID string) error {
	if err := s.ledger.SetPrimary(ctx, folderID, agentID); err != nil {
		return err
	}
	folder, err := s.ledger.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	s.events.emit(FolderEvent{Type: FolderPrimaryChanged, AgentID: agentID, FolderID: folderID, Folder: folder})
	return nil
}

// UpdateFolderSettings applies a settings patch and emits an update event.
func (s *Service) UpdateFolderSettings(ctx context.Context, folderID string, patch ledger.FolderPatch) (*ledger.Folder, error) {
	if err := s.ledger.UpdateFolderSettings(ctx, folderID, patch); err != nil {
		return nil, err
	}
	folder, err := s.ledger.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	s.events.emit(FolderEvent{Type: FolderUpdated, AgentID: folder.AgentID, FolderID: folderID, Folder: folder})
	return folder, nil
}

// RemoveFolder tears a folder down: cancel its sync, stop its watcher,
// delete its vectors (dropping the agent table when this is the last
// folder), delete ledger rows, and promote a new primary if needed.
func (s *Service) RemoveFolder(ctx context.Context, folderID string) error {
	folder, err := s.ledger.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}

	if err := s.ledger.SetFolderStatus(ctx, folderID, ledger.StatusPaused, "Removing…"); err != nil {
		slog.Warn("Failed to mark folder for removal", "folder_id", folderID, "error", err)
	}

	// Cancel any active sync on this path and wait briefly for it to let go.
	s.mu.Lock()
	run := s.syncingPaths[folder.Path]
	s.mu.Unlock()
	if run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-time.After(dupTakeoverWait):
		}
	}

	s.stopWatcher(folderID)

	s.mu.Lock()
	delete(s.queues, folderID)
	delete(s.deferred, folderID)
	delete(s.permErrors, folderID)
	delete(s.emfileRetries, folderID)
	delete(s.pollingMode, folderID)
	s.mu.Unlock()

	// Last folder of the agent: drop the whole table in one call instead
	// of row-by-row deletes.
	siblings, err := s.ledger.GetFolders(ctx, folder.AgentID)
	if err != nil {
		return err
	}
	if len(siblings) <= 1 {
		if err := s.vectors.DropTable(ctx, folder.AgentID); err != nil {
			slog.Error("Failed to drop agent vector table", "agent_id", folder.AgentID, "error", err)
		}
	} else {
		if err := s.vectors.DeleteByFolder(ctx, folder.AgentID, folderID); err != nil {
			slog.Error("Failed to delete folder vectors", "folder_id", folderID, "error", err)
		}
	}

	if err := s.ledger.DeleteFilesByFolder(ctx, folderID); err != nil {
		return err
	}
	if err := s.ledger.DeleteFolder(ctx, folderID); err != nil {
		return err
	}

	// Promote the oldest remaining folder when the primary went away.
	if folder.IsPrimary {
		remaining, err := s.ledger.GetFolders(ctx, folder.AgentID)
		if err == nil && len(remaining) > 0 {
			if err := s.ledger.SetPrimary(ctx, remaining[0].ID, folder.AgentID); err != nil {
				slog.Warn("Failed to promote new primary folder", "agent_id", folder.AgentID, "error", err)
			} else {
				s.events.emit(FolderEvent{Type: FolderPrimaryChanged, AgentID: folder.AgentID, FolderID: remaining[0].ID, Folder: remaining[0]})
			}
		}
	}

	slog.Info("Folder removed", "folder_id", folderID, "path", folder.Path)
	s.events.emit(FolderEvent{Type: FolderRemoved, AgentID: folder.AgentID, FolderID: folderID})
	return nil
}

// RemoveFile deletes one file's vectors and ledger row, and evicts the path
// from in-flight queues. Used by the watcher on unlink.
func (s *Service) RemoveFile(ctx context.Context, folderID, path string) error {
	folder, err := s.ledger.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if q := s.queues[folderID]; q != nil {
		delete(q, path)
	}
	if d := s.deferred[folderID]; d != nil {
		delete(d, path)
	}
	s.mu.Unlock()

	file, err := s.ledger.GetFile(ctx, folderID, path)
	if err != nil {
		if err == ledger.ErrFileNotFound {
			return nil
		}
		return err
	}

	if len(file.VectorPointIDs) > 0 {
		if err := s.vectors.DeleteByIDs(ctx, folder.AgentID, file.VectorPointIDs); err != nil {
			slog.Error("Failed to delete vectors for removed file", "path", path, "error", err)
		}
	}
	if err := s.ledger.DeleteFile(ctx, file.ID); err != nil {
		return err
	}

	fileCount, chunkCount, err := s.ledger.FolderCounts(ctx, folderID)
	if err == nil {
		_ = s.ledger.FlushProgress(ctx, folderID, fileCount, chunkCount)
	}

	slog.Debug("File removed from index", "folder_id", folderID, "path", path)
	return nil
}

func orDefault[T ~string](v, def T) T {
	if v == "" {
		return def
	}
	return v
}
