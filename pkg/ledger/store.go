package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docker/folderindex/pkg/sqliteutil"
)

// Sentinel errors surfaced to callers of the registry.
var (
	ErrFolderNotFound  = errors.New("folder not found")
	ErrDuplicateFolder = errors.New("folder already registered for this agent")
	ErrFileNotFound    = errors.New("file not found")
)

// Store is the relational ledger over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Store, error) {
	db, err := sqliteutil.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS folders (
		folder_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		folder_path TEXT NOT NULL,
		recursive INTEGER NOT NULL DEFAULT 1,
		include_extensions TEXT NOT NULL DEFAULT '[]',
		exclude_patterns TEXT NOT NULL DEFAULT '[]',
		file_type_filters TEXT NOT NULL DEFAULT '[]',
		respect_gitignore INTEGER NOT NULL DEFAULT 0,
		max_file_size_bytes INTEGER NOT NULL DEFAULT 0,
		chunk_preset TEXT NOT NULL DEFAULT 'balanced',
		chunk_size_override INTEGER NOT NULL DEFAULT 0,
		chunk_overlap_override INTEGER NOT NULL DEFAULT -1,
		indexing_mode TEXT NOT NULL DEFAULT 'auto',
		sync_mode TEXT NOT NULL DEFAULT 'auto',
		sync_cadence_minutes INTEGER NOT NULL DEFAULT 60,
		reindex_policy TEXT NOT NULL DEFAULT 'smart',
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		last_synced_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		file_count INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		skip_reasons TEXT NOT NULL DEFAULT '{}',
		last_run_metadata TEXT NOT NULL DEFAULT '{}',
		embedding_model TEXT NOT NULL DEFAULT '',
		is_primary INTEGER NOT NULL DEFAULT 0,
		UNIQUE(agent_id, folder_path)
	);
	CREATE INDEX IF NOT EXISTS idx_folders_agent ON folders(agent_id);
	CREATE INDEX IF NOT EXISTS idx_folders_status ON folders(status);

	CREATE TABLE IF NOT EXISTS files (
		file_id TEXT PRIMARY KEY,
		folder_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		relative_path TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		modified_at TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		vector_point_ids TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		last_indexed_at TEXT NOT NULL DEFAULT '',
		UNIQUE(folder_id, file_path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_folder ON files(folder_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const folderColumns = `folder_id, agent_id, user_id, folder_path, recursive,
	include_extensions, exclude_patterns, file_type_filters, respect_gitignore,
	max_file_size_bytes, chunk_preset, chunk_size_override, chunk_overlap_override,
	indexing_mode, sync_mode, sync_cadence_minutes, reindex_policy,
	status, last_error, last_synced_at, updated_at, created_at,
	file_count, chunk_count, skip_reasons, last_run_metadata, embedding_model, is_primary`

func scanFolder(row interface{ Scan(...any) error }) (*Folder, error) {
	var (
		f                                Folder
		includeExt, excludePat, typeFilt string
		skipReasons, runMeta             string
		recursive, respectGit, isPrimary int
		lastSynced, updated, created     string
	)
	err := row.Scan(&f.ID, &f.AgentID, &f.UserID, &f.Path, &recursive,
		&includeExt, &excludePat, &typeFilt, &respectGit,
		&f.MaxFileSizeBytes, &f.ChunkPreset, &f.ChunkSizeOverride, &f.ChunkOverlapOverride,
		&f.IndexingMode, &f.SyncMode, &f.SyncCadenceMinutes, &f.ReindexPolicy,
		&f.Status, &f.LastError, &lastSynced, &updated, &created,
		&f.FileCount, &f.ChunkCount, &skipReasons, &runMeta, &f.EmbeddingModel, &isPrimary)
	if err != nil {
		return nil, err
	}

	f.Recursive = recursive != 0
	f.RespectGitignore = respectGit != 0
	f.IsPrimary = isPrimary != 0
	f.IncludeExtensions = decodeStringList(includeExt)
	f.ExcludePatterns = decodeStringList(excludePat)
	f.FileTypeFilters = decodeStringList(typeFilt)
	f.SkipReasons = decodeCountMap(skipReasons)
	f.LastRun = decodeRunMetadata(runMeta)
	f.LastSyncedAt = parseTime(lastSynced)
	f.UpdatedAt = parseTime(updated)
	f.CreatedAt = parseTime(created)
	return &f, nil
}

// InsertFolder inserts a prepared folder row. Callers (the registry layer)
// are responsible for validation and primary inference.
func (s *Store) InsertFolder(ctx context.Context, f *Folder) error {
	now := time.Now().UTC()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (folder_id, agent_id, user_id, folder_path, recursive,
			include_extensions, exclude_patterns, file_type_filters, respect_gitignore,
			max_file_size_bytes, chunk_preset, chunk_size_override, chunk_overlap_override,
			indexing_mode, sync_mode, sync_cadence_minutes, reindex_policy,
			status, last_error, last_synced_at, updated_at, created_at,
			file_count, chunk_count, skip_reasons, last_run_metadata, embedding_model, is_primary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AgentID, f.UserID, f.Path, boolInt(f.Recursive),
		encodeJSON(emptyIfNil(f.IncludeExtensions)), encodeJSON(emptyIfNil(f.ExcludePatterns)),
		encodeJSON(emptyIfNil(f.FileTypeFilters)), boolInt(f.RespectGitignore),
		f.MaxFileSizeBytes, f.ChunkPreset, f.ChunkSizeOverride, f.ChunkOverlapOverride,
		string(f.IndexingMode), string(f.SyncMode), f.SyncCadenceMinutes, string(f.ReindexPolicy),
		string(f.Status), f.LastError, formatTime(f.LastSyncedAt), formatTime(f.UpdatedAt), formatTime(f.CreatedAt),
		f.FileCount, f.ChunkCount, encodeJSON(f.SkipReasons), encodeJSON(f.LastRun), f.EmbeddingModel, boolInt(f.IsPrimary))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateFolder
		}
		return fmt.Errorf("failed to insert folder: %w", err)
	}
	return nil
}

// GetFolder loads one folder by ID.
func (s *Store) GetFolder(ctx context.Context, folderID string) (*Folder, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE folder_id = ?", folderID)
	f, err := scanFolder(row)
	if err == sql.ErrNoRows {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load folder %s: %w", folderID, err)
	}
	return f, nil
}

// GetFolderByPath loads the folder of an agent at the given normalized path.
func (s *Store) GetFolderByPath(ctx context.Context, agentID, path string) (*Folder, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE agent_id = ? AND folder_path = ?", agentID, path)
	f, err := scanFolder(row)
	if err == sql.ErrNoRows {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load folder at %s: %w", path, err)
	}
	return f, nil
}

// GetFolders lists an agent's folders, oldest first.
func (s *Store) GetFolders(ctx context.Context, agentID string) ([]*Folder, error) {
	return s.queryFolders(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE agent_id = ? ORDER BY created_at", agentID)
}

// GetAllFolders lists every registered folder, oldest first.
func (s *Store) GetAllFolders(ctx context.Context) ([]*Folder, error) {
	return s.queryFolders(ctx, "SELECT "+folderColumns+" FROM folders ORDER BY created_at")
}

// GetFoldersByStatus lists folders in the given status.
func (s *Store) GetFoldersByStatus(ctx context.Context, status FolderStatus) ([]*Folder, error) {
	return s.queryFolders(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE status = ? ORDER BY created_at", string(status))
}

func (s *Store) queryFolders(ctx context.Context, query string, args ...any) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// AgentsWithFolders returns the distinct agent IDs that have at least one
// folder.
func (s *Store) AgentsWithFolders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT agent_id FROM folders ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// DeleteFolder removes the folder row. File rows are deleted separately so
// vector cleanup can run first.
func (s *Store) DeleteFolder(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM folders WHERE folder_id = ?", folderID)
	if err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", folderID, err)
	}
	return nil
}

// SetPrimary transactionally clears is_primary for the agent and sets it on
// the given folder.
func (s *Store) SetPrimary(ctx context.Context, folderID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE folders SET is_primary = 0, updated_at = ? WHERE agent_id = ?",
		nowString(), agentID); err != nil {
		return fmt.Errorf("failed to clear primary flags: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE folders SET is_primary = 1, updated_at = ? WHERE folder_id = ? AND agent_id = ?",
		nowString(), folderID, agentID)
	if err != nil {
		return fmt.Errorf("failed to set primary flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFolderNotFound
	}

	return tx.Commit()
}

// UpdateFolderSettings applies a patch to the folder's behavioral
// configuration.
func (s *Store) UpdateFolderSettings(ctx context.Context, folderID string, patch FolderPatch) error {
	var sets []string
	var args []any

	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Recursive != nil {
		set("recursive", boolInt(*patch.Recursive))
	}
	if patch.IncludeExtensions != nil {
		set("include_extensions", encodeJSON(normalizeExtensions(*patch.IncludeExtensions)))
	}
	if patch.ExcludePatterns != nil {
		set("exclude_patterns", encodeJSON(emptyIfNil(*patch.ExcludePatterns)))
	}
	if patch.FileTypeFilters != nil {
		set("file_type_filters", encodeJSON(normalizeExtensions(*patch.FileTypeFilters)))
	}
	if patch.RespectGitignore != nil {
		set("respect_gitignore", boolInt(*patch.RespectGitignore))
	}
	if patch.MaxFileSizeBytes != nil {
		set("max_file_size_bytes", *patch.MaxFileSizeBytes)
	}
	if patch.ChunkPreset != nil {
		set("chunk_preset", *patch.ChunkPreset)
	}
	if patch.ChunkSizeOverride != nil {
		set("chunk_size_override", *patch.ChunkSizeOverride)
	}
	if patch.ChunkOverlapOverride != nil {
		set("chunk_overlap_override", *patch.ChunkOverlapOverride)
	}
	if patch.IndexingMode != nil {
		set("indexing_mode", string(*patch.IndexingMode))
	}
	if patch.SyncMode != nil {
		set("sync_mode", string(*patch.SyncMode))
	}
	if patch.SyncCadenceMinutes != nil {
		cadence := *patch.SyncCadenceMinutes
		if cadence < MinSyncCadenceMinutes {
			cadence = MinSyncCadenceMinutes
		}
		set("sync_cadence_minutes", cadence)
	}
	if patch.ReindexPolicy != nil {
		set("reindex_policy", string(*patch.ReindexPolicy))
	}

	if len(sets) == 0 {
		return nil
	}
	set("updated_at", nowString())
	args = append(args, folderID)

	res, err := s.db.ExecContext(ctx,
		"UPDATE folders SET "+strings.Join(sets, ", ")+" WHERE folder_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update folder settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFolderNotFound
	}
	return nil
}

// SetFolderStatus updates status and last_error.
func (s *Store) SetFolderStatus(ctx context.Context, folderID string, status FolderStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET status = ?, last_error = ?, updated_at = ? WHERE folder_id = ?",
		string(status), lastError, nowString(), folderID)
	if err != nil {
		return fmt.Errorf("failed to set folder status: %w", err)
	}
	return nil
}

// MarkSyncStarted flips the folder to syncing and resets progress counters.
func (s *Store) MarkSyncStarted(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folders SET status = ?, last_error = '', file_count = 0, chunk_count = 0,
		 skip_reasons = '{}', updated_at = ? WHERE folder_id = ?`,
		string(StatusSyncing), nowString(), folderID)
	if err != nil {
		return fmt.Errorf("failed to mark sync started: %w", err)
	}
	return nil
}

// FlushProgress persists live file/chunk counters mid-run.
func (s *Store) FlushProgress(ctx context.Context, folderID string, fileCount, chunkCount int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET file_count = ?, chunk_count = ?, updated_at = ? WHERE folder_id = ?",
		fileCount, chunkCount, nowString(), folderID)
	if err != nil {
		return fmt.Errorf("failed to flush progress: %w", err)
	}
	return nil
}

// FinishSync records a run's outcome on the folder row.
func (s *Store) FinishSync(ctx context.Context, folderID string, status FolderStatus, lastError string,
	fileCount, chunkCount int, skipReasons map[string]int, run RunMetadata, embeddingModel string,
) error {
	now := time.Now().UTC()
	lastSynced := ""
	if status == StatusSynced {
		lastSynced = formatTime(now)
	}

	query := `UPDATE folders SET status = ?, last_error = ?, file_count = ?, chunk_count = ?,
		skip_reasons = ?, last_run_metadata = ?, updated_at = ?`
	args := []any{string(status), lastError, fileCount, chunkCount,
		encodeJSON(skipReasons), encodeJSON(run), formatTime(now)}

	if lastSynced != "" {
		query += ", last_synced_at = ?"
		args = append(args, lastSynced)
	}
	if embeddingModel != "" {
		query += ", embedding_model = ?"
		args = append(args, embeddingModel)
	}
	query += " WHERE folder_id = ?"
	args = append(args, folderID)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record sync result: %w", err)
	}
	return nil
}

// StaleFolders returns folders that are pending, or synced longer ago than
// their cadence (never less than maxAge when the cadence is shorter).
func (s *Store) StaleFolders(ctx context.Context, maxAge time.Duration) ([]*Folder, error) {
	folders, err := s.GetAllFolders(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var stale []*Folder
	for _, f := range folders {
		switch f.Status {
		case StatusPaused, StatusSyncing:
			continue
		case StatusPending:
			stale = append(stale, f)
			continue
		}

		age := maxAge
		if cadence := time.Duration(f.SyncCadenceMinutes) * time.Minute; cadence > age {
			age = cadence
		}
		if f.LastSyncedAt.IsZero() || now.Sub(f.LastSyncedAt) > age {
			stale = append(stale, f)
		}
	}
	return stale, nil
}

// File ledger operations

// UpsertFile inserts or replaces the ledger row for (folder_id, file_path).
func (s *Store) UpsertFile(ctx context.Context, f *File) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (file_id, folder_id, agent_id, file_path, relative_path,
			content_hash, size_bytes, modified_at, chunk_count, vector_point_ids, status, last_indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, file_path) DO UPDATE SET
			relative_path = excluded.relative_path,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			modified_at = excluded.modified_at,
			chunk_count = excluded.chunk_count,
			vector_point_ids = excluded.vector_point_ids,
			status = excluded.status,
			last_indexed_at = excluded.last_indexed_at`,
		f.ID, f.FolderID, f.AgentID, f.Path, f.RelativePath,
		f.ContentHash, f.SizeBytes, formatTime(f.ModifiedAt), f.ChunkCount,
		encodeJSON(emptyIfNil(f.VectorPointIDs)), string(f.Status), formatTime(f.LastIndexedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", f.Path, err)
	}
	return nil
}

// GetFile loads the ledger row for (folderID, path).
func (s *Store) GetFile(ctx context.Context, folderID, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, folder_id, agent_id, file_path, relative_path, content_hash,
			size_bytes, modified_at, chunk_count, vector_point_ids, status, last_indexed_at
		FROM files WHERE folder_id = ? AND file_path = ?`, folderID, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file %s: %w", path, err)
	}
	return f, nil
}

// GetFilesByFolder lists every ledger row of a folder.
func (s *Store) GetFilesByFolder(ctx context.Context, folderID string) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, folder_id, agent_id, file_path, relative_path, content_hash,
			size_bytes, modified_at, chunk_count, vector_point_ids, status, last_indexed_at
		FROM files WHERE folder_id = ? ORDER BY file_path`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes one ledger row.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE file_id = ?", fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file %s: %w", fileID, err)
	}
	return nil
}

// DeleteFilesByFolder removes every ledger row of a folder.
func (s *Store) DeleteFilesByFolder(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE folder_id = ?", folderID)
	if err != nil {
		return fmt.Errorf("failed to delete files for folder %s: %w", folderID, err)
	}
	return nil
}

// FolderCounts recomputes file and chunk totals from the ledger.
func (s *Store) FolderCounts(ctx context.Context, folderID string) (fileCount, chunkCount int, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(chunk_count), 0) FROM files WHERE folder_id = ? AND status = ?",
		folderID, string(FileStatusIndexed)).Scan(&fileCount, &chunkCount)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count files: %w", err)
	}
	return fileCount, chunkCount, nil
}

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	var (
		f                       File
		pointIDs                string
		modifiedAt, lastIndexed string
	)
	err := row.Scan(&f.ID, &f.FolderID, &f.AgentID, &f.Path, &f.RelativePath,
		&f.ContentHash, &f.SizeBytes, &modifiedAt, &f.ChunkCount, &pointIDs,
		&f.Status, &lastIndexed)
	if err != nil {
		return nil, err
	}
	f.VectorPointIDs = decodeStringList(pointIDs)
	f.ModifiedAt = parseTime(modifiedAt)
	f.LastIndexedAt = parseTime(lastIndexed)
	return &f, nil
}

// Helpers

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// normalizeExtensions lowercases and strips leading dots.
func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// NormalizeExtensions is the exported form used by the registry layer.
func NormalizeExtensions(exts []string) []string {
	return normalizeExtensions(exts)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func nowString() string {
	return formatTime(time.Now().UTC())
}
