package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docker/folderindex/pkg/chunk"
	"github.com/docker/folderindex/pkg/discovery"
	"github.com/docker/folderindex/pkg/embed"
	"github.com/docker/folderindex/pkg/ignore"
	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/lexical"
	"github.com/docker/folderindex/pkg/parser"
	"github.com/docker/folderindex/pkg/pathsafety"
	"github.com/docker/folderindex/pkg/settings"
	"github.com/docker/folderindex/pkg/vectorstore"
)

// Sentinel errors for sync ownership and authorization.
var (
	ErrAlreadySyncing    = errors.New("folder is already syncing")
	ErrTriggerNotAllowed = errors.New("sync mode does not allow this trigger")
)

// Skip reason tags aggregated into the folder's skip_reasons map.
const (
	SkipCancelled     = "cancelled"
	SkipMaxFileSize   = "max_file_size"
	SkipUnchanged     = "unchanged"
	SkipMaxFileLines  = "max_file_lines"
	SkipMaxLineLength = "max_line_length"
)

// SyncOptions configures one run.
type SyncOptions struct {
	// Parallel processes files concurrently. Sequential runs still go
	// through the same pipeline with a limit of one.
	Parallel bool
	// Force reindexes files whose content hash is unchanged.
	Force bool
	// Trigger identifies the initiator; the folder's sync mode must
	// authorize it.
	Trigger Trigger
}

// SyncResult summarizes one run.
type SyncResult struct {
	FolderID       string
	FilesProcessed int
	FilesIndexed   int
	FilesSkipped   int
	FilesRemoved   int
	FilesErrored   int
	ChunkCount     int
	SkipReasons    map[string]int
	Status         ledger.FolderStatus
}

// syncCounters is the mutable state shared by a run's file workers.
type syncCounters struct {
	mu          sync.Mutex
	indexed     int
	skipped     int
	errored     int
	chunks      int
	skipReasons map[string]int
	lastErr     string
	lastFlush   time.Time
}

func (c *syncCounters) skip(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped++
	if c.skipReasons == nil {
		c.skipReasons = make(map[string]int)
	}
	c.skipReasons[reason]++
}

func (c *syncCounters) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errored++
	c.lastErr = err.Error()
}

// SyncFolder runs the per-folder sync algorithm. Ownership is exclusive
// per folder ID and per normalized path; a run already holding the same
// path for a different folder is cancelled and briefly waited out.
func (s *Service) SyncFolder(ctx context.Context, folderID string, opts SyncOptions) (*SyncResult, error) {
	folder, err := s.ledger.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}

	if msg := pathsafety.Validate(folder.Path); msg != "" {
		_ = s.ledger.SetFolderStatus(ctx, folderID, ledger.StatusPaused, msg)
		return nil, fmt.Errorf("%s", msg)
	}

	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	b := resolveBehavior(folder, s.settings)
	if !b.allowsTrigger(opts.Trigger) {
		slog.Debug("Sync trigger not authorized by folder mode",
			"folder_id", folderID, "sync_mode", folder.SyncMode, "trigger", opts.Trigger)
		return nil, ErrTriggerNotAllowed
	}

	force := opts.Force || b.reindexPolicy == ledger.ReindexAlways
	smartForced := shouldForceSmartReindex(folder, opts.Trigger, time.Now().UTC())
	if smartForced {
		slog.Info("Smart reindex interval elapsed, forcing full reindex", "folder_id", folderID)
		force = true
	}

	run, err := s.acquireRun(ctx, folderID, folder.Path)
	if err != nil {
		return nil, err
	}
	runCtx := run.ctx
	defer s.releaseRun(run)

	startedAt := time.Now().UTC()
	if err := s.ledger.MarkSyncStarted(ctx, folderID); err != nil {
		return nil, err
	}

	result, runErr := s.runSync(runCtx, folder, b, force, opts)

	status := ledger.StatusSynced
	lastError := ""
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		status = ledger.StatusError
		lastError = runErr.Error()
	} else if result.FilesIndexed == 0 && !result.anyExisted && result.FilesErrored > 0 {
		status = ledger.StatusError
		lastError = result.lastErr
	}

	finishedAt := time.Now().UTC()
	meta := ledger.RunMetadata{
		Trigger:    string(opts.Trigger),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		DurationMS: finishedAt.Sub(startedAt).Milliseconds(),
	}
	if smartForced {
		meta.SmartReindexAt = finishedAt
	} else {
		meta.SmartReindexAt = folder.LastRun.SmartReindexAt
	}

	embeddingModel := ""
	if b.createEmbeddings && s.embedder != nil && result.FilesIndexed > 0 {
		embeddingModel = s.embedder.ID()
	}

	if err := s.ledger.FinishSync(ctx, folderID, status, lastError,
		result.FileCount, result.ChunkTotal, result.SkipReasons, meta, embeddingModel); err != nil {
		slog.Error("Failed to persist sync result", "folder_id", folderID, "error", err)
	}

	s.decideWatcher(ctx, folder, b, status, result.FilesDiscovered)

	if updated, err := s.ledger.GetFolder(ctx, folderID); err == nil {
		s.events.emit(FolderEvent{Type: FolderUpdated, AgentID: folder.AgentID, FolderID: folderID, Folder: updated})
	}

	out := &SyncResult{
		FolderID:       folderID,
		FilesProcessed: result.FilesProcessed,
		FilesIndexed:   result.FilesIndexed,
		FilesSkipped:   result.FilesSkipped,
		FilesRemoved:   result.FilesRemoved,
		FilesErrored:   result.FilesErrored,
		ChunkCount:     result.ChunkTotal,
		SkipReasons:    result.SkipReasons,
		Status:         status,
	}

	slog.Info("Folder sync finished",
		"folder_id", folderID,
		"trigger", opts.Trigger,
		"status", status,
		"processed", out.FilesProcessed,
		"indexed", out.FilesIndexed,
		"skipped", out.FilesSkipped,
		"removed", out.FilesRemoved,
		"chunks", out.ChunkCount,
		"duration", meta.DurationMS)

	if runErr != nil {
		return out, runErr
	}
	return out, nil
}

// acquireRun takes exclusive ownership of (folderID, path). A run on the
// same path owned by a different folder is cancelled and waited out.
func (s *Service) acquireRun(ctx context.Context, folderID, path string) (*syncRun, error) {
	for {
		s.mu.Lock()
		if s.syncingFolders[folderID] != nil {
			s.mu.Unlock()
			return nil, ErrAlreadySyncing
		}

		other := s.syncingPaths[path]
		if other == nil {
			runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			run := &syncRun{
				folderID: folderID,
				path:     path,
				cancel:   cancel,
				done:     make(chan struct{}),
				ctx:      runCtx,
			}
			s.syncingFolders[folderID] = run
			s.syncingPaths[path] = run
			s.mu.Unlock()
			return run, nil
		}
		s.mu.Unlock()

		slog.Info("Another folder is syncing the same path, taking over",
			"path", path, "previous_folder", other.folderID, "folder_id", folderID)
		other.cancel()
		select {
		case <-other.done:
		case <-time.After(dupTakeoverWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Service) releaseRun(run *syncRun) {
	run.cancel()
	s.mu.Lock()
	if s.syncingFolders[run.folderID] == run {
		delete(s.syncingFolders, run.folderID)
	}
	if s.syncingPaths[run.path] == run {
		delete(s.syncingPaths, run.path)
	}
	s.mu.Unlock()
	close(run.done)
}

// runResult is the internal accounting of one run.
type runResult struct {
	FilesDiscovered int
	FilesProcessed  int
	FilesIndexed    int
	FilesSkipped    int
	FilesRemoved    int
	FilesErrored    int
	FileCount       int
	ChunkTotal      int
	SkipReasons     map[string]int
	anyExisted      bool
	lastErr         string
}

func (s *Service) runSync(ctx context.Context, folder *ledger.Folder, b behavior, force bool, opts SyncOptions) (runResult, error) {
	var res runResult

	files, err := s.discoverFiles(ctx, folder)
	if err != nil {
		return res, err
	}
	res.FilesDiscovered = len(files)

	existing, err := s.ledger.GetFilesByFolder(ctx, folder.ID)
	if err != nil {
		return res, err
	}
	res.anyExisted = len(existing) > 0

	existingByPath := make(map[string]*ledger.File, len(existing))
	for _, f := range existing {
		existingByPath[f.Path] = f
	}

	// Remove ledger entries whose files vanished from disk.
	discovered := make(map[string]bool, len(files))
	for _, f := range files {
		discovered[f.AbsPath] = true
	}
	for _, f := range existing {
		if discovered[f.Path] {
			continue
		}
		if len(f.VectorPointIDs) > 0 {
			if err := s.vectors.DeleteByIDs(ctx, folder.AgentID, f.VectorPointIDs); err != nil {
				slog.Error("Failed to delete vectors for missing file", "path", f.Path, "error", err)
			}
		}
		if err := s.ledger.DeleteFile(ctx, f.ID); err != nil {
			slog.Error("Failed to delete ledger row for missing file", "path", f.Path, "error", err)
			continue
		}
		delete(existingByPath, f.Path)
		res.FilesRemoved++
	}

	concurrency := defaultConcurrency
	if s.settings.EmbeddingProvider() == settings.EmbeddingProviderLocal {
		concurrency = localConcurrency
	}
	if !opts.Parallel {
		concurrency = 1
	}

	counters := &syncCounters{lastFlush: time.Now()}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, file := range files {
		// Spread the first wave so the embedding API is not hit by
		// `concurrency` simultaneous cold starts.
		delay := staggerDelay * time.Duration(i%concurrency)

		g.Go(func() error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-gctx.Done():
				}
			}
			s.processFile(gctx, folder, b, file, existingByPath[file.AbsPath], force, counters)
			return nil
		})
	}
	_ = g.Wait()

	res.FilesProcessed = len(files)
	counters.mu.Lock()
	res.FilesIndexed = counters.indexed
	res.FilesSkipped = counters.skipped
	res.FilesErrored = counters.errored
	res.SkipReasons = counters.skipReasons
	res.lastErr = counters.lastErr
	counters.mu.Unlock()

	// Recompute totals from the ledger now that the limiter drained.
	fileCount, chunkCount, err := s.ledger.FolderCounts(ctx, folder.ID)
	if err != nil {
		return res, err
	}
	res.FileCount = fileCount
	res.ChunkTotal = chunkCount

	return res, ctx.Err()
}

func (s *Service) discoverFiles(ctx context.Context, folder *ledger.Folder) ([]discovery.File, error) {
	matcher := ignore.NewAggressiveMatcher(folder.Path, folder.ExcludePatterns)

	var vcs *ignore.VCSMatcher
	if folder.RespectGitignore {
		m, err := ignore.NewVCSMatcher(folder.Path)
		if err != nil {
			slog.Warn("Failed to load gitignore rules", "path", folder.Path, "error", err)
		} else {
			vcs = m
		}
	}

	return discovery.Walk(ctx, folder.Path, discovery.Options{
		Recursive:  folder.Recursive,
		Extensions: discovery.EffectiveExtensions(folder.IncludeExtensions, folder.FileTypeFilters),
		Ignore:     matcher,
		VCS:        vcs,
	})
}

// processFile runs steps 8a–8h of the per-folder algorithm for one file.
// Failures are local: they are counted and never abort the run.
func (s *Service) processFile(ctx context.Context, folder *ledger.Folder, b behavior,
	file discovery.File, existing *ledger.File, force bool, counters *syncCounters,
) {
	if ctx.Err() != nil {
		counters.skip(SkipCancelled)
		return
	}

	info, err := os.Stat(file.AbsPath)
	if err != nil {
		counters.fail(fmt.Errorf("stat %s: %w", file.AbsPath, err))
		return
	}
	if info.Size() > b.maxFileSizeBytes {
		counters.skip(SkipMaxFileSize)
		return
	}

	data, err := os.ReadFile(file.AbsPath)
	if err != nil {
		counters.fail(fmt.Errorf("read %s: %w", file.AbsPath, err))
		return
	}

	hash := chunk.BytesMD5(data)
	if !force && existing != nil && existing.ContentHash == hash {
		counters.skip(SkipUnchanged)
		return
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.AbsPath), "."))
	if parser.IsTextExtension(ext) {
		if reason := checkTextLimits(string(data), b); reason != "" {
			counters.skip(reason)
			return
		}
	}

	var pointIDs []string
	chunkCount := 0

	if b.createEmbeddings {
		// Old vectors go first so a crash mid-file leaves no duplicates.
		if existing != nil && len(existing.VectorPointIDs) > 0 {
			if err := s.vectors.DeleteByIDs(ctx, folder.AgentID, existing.VectorPointIDs); err != nil {
				counters.fail(fmt.Errorf("delete stale vectors for %s: %w", file.AbsPath, err))
				return
			}
		}

		fileCtx, cancel := context.WithTimeout(ctx, perFileTimeout)
		pointIDs, chunkCount, err = s.embedFile(fileCtx, folder, b, file, data)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				counters.skip(SkipCancelled)
				return
			}
			counters.fail(err)
			// Record the failure so the next run retries this file: the old
			// vectors are already gone and the stored hash must not claim
			// the content was indexed.
			failed := &ledger.File{
				FolderID:     folder.ID,
				AgentID:      folder.AgentID,
				Path:         file.AbsPath,
				RelativePath: file.RelPath,
				SizeBytes:    info.Size(),
				ModifiedAt:   info.ModTime().UTC(),
				Status:       ledger.FileStatusFailed,
			}
			if existing != nil {
				failed.ID = existing.ID
			}
			if uerr := s.ledger.UpsertFile(ctx, failed); uerr != nil {
				slog.Debug("Failed to record file failure", "path", file.AbsPath, "error", uerr)
			}
			return
		}
	} else if existing != nil && len(existing.VectorPointIDs) > 0 {
		// Files-only mode: drop vectors a previous full-mode run created.
		if err := s.vectors.DeleteByIDs(ctx, folder.AgentID, existing.VectorPointIDs); err != nil {
			counters.fail(fmt.Errorf("delete vectors for %s: %w", file.AbsPath, err))
			return
		}
	}

	rec := &ledger.File{
		FolderID:       folder.ID,
		AgentID:        folder.AgentID,
		Path:           file.AbsPath,
		RelativePath:   file.RelPath,
		ContentHash:    hash,
		SizeBytes:      info.Size(),
		ModifiedAt:     info.ModTime().UTC(),
		ChunkCount:     chunkCount,
		VectorPointIDs: pointIDs,
		Status:         ledger.FileStatusIndexed,
		LastIndexedAt:  time.Now().UTC(),
	}
	if existing != nil {
		rec.ID = existing.ID
	}
	if err := s.ledger.UpsertFile(ctx, rec); err != nil {
		counters.fail(fmt.Errorf("upsert ledger row for %s: %w", file.AbsPath, err))
		return
	}

	counters.mu.Lock()
	counters.indexed++
	counters.chunks += chunkCount
	flush := time.Since(counters.lastFlush) >= progressFlushEvery
	indexed, chunks := counters.indexed, counters.chunks
	if flush {
		counters.lastFlush = time.Now()
	}
	counters.mu.Unlock()

	// Live progress for external observers.
	if flush {
		if err := s.ledger.FlushProgress(ctx, folder.ID, indexed, chunks); err != nil {
			slog.Debug("Failed to flush sync progress", "folder_id", folder.ID, "error", err)
		}
	}
}

// embedFile runs the embedding pipeline for one file: parse, chunk, embed
// in provider-sized batches, and append to the vector store. If a batch
// fails after earlier batches were appended, the appended IDs are deleted
// before the error propagates.
func (s *Service) embedFile(ctx context.Context, folder *ledger.Folder, b behavior,
	file discovery.File, data []byte,
) (pointIDs []string, chunkCount int, err error) {
	if s.embedder == nil {
		return nil, 0, fmt.Errorf("no embedding provider configured")
	}

	text, err := s.parser.ExtractText(data, parser.ContentTypeFor(file.AbsPath), file.AbsPath)
	if err != nil {
		return nil, 0, fmt.Errorf("extract text from %s: %w", file.AbsPath, err)
	}

	var chunks []chunk.Chunk
	if b.tokenChunks {
		chunks = chunk.SplitTokens(text, chunk.TokenConfig{
			WindowTokens:     chunk.DefaultWindowTokens,
			StrideTokens:     chunk.DefaultStrideTokens,
			MaxChunksPerFile: b.chunking.MaxChunksPerFile,
		})
	} else {
		chunks = chunk.SplitText(text, b.chunking)
	}
	if len(chunks) == 0 {
		return nil, 0, nil
	}

	batchSize := embed.RemoteBatchSize
	if s.embedder.IsLocal() {
		batchSize = embed.LocalBatchSize
	}

	hybrid := s.vectors.Hybrid()
	tableReady := false
	var appended []string

	rollback := func() {
		if len(appended) == 0 {
			return
		}
		if derr := s.vectors.DeleteByIDs(context.WithoutCancel(ctx), folder.AgentID, appended); derr != nil {
			slog.Error("Failed to roll back partially appended vectors",
				"path", file.AbsPath, "count", len(appended), "error", derr)
		}
	}

	for start := 0; start < len(chunks); start += batchSize {
		if ctx.Err() != nil {
			rollback()
			return nil, 0, ctx.Err()
		}

		end := min(start+batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			rollback()
			return nil, 0, fmt.Errorf("embed %s: %w", file.AbsPath, err)
		}

		if !tableReady {
			if err := s.vectors.EnsureTable(ctx, folder.AgentID, len(vectors[0])); err != nil {
				rollback()
				return nil, 0, err
			}
			tableReady = true
		}

		now := time.Now().UTC()
		records := make([]vectorstore.Record, len(batch))
		for i, c := range batch {
			rec := vectorstore.Record{
				ID:           uuid.NewString(),
				Vector:       vectors[i],
				Text:         c.Text,
				FolderID:     folder.ID,
				FilePath:     file.AbsPath,
				RelativePath: file.RelPath,
				ChunkIndex:   c.Index,
				TokenCount:   c.TokenCount,
				IndexedAt:    now,
			}
			if hybrid {
				rec.LexicalVector = lexical.Vector(c.Text)
				rec.StartLine = c.StartLine
				rec.EndLine = c.EndLine
				rec.TokenOffset = c.TokenOffset
			}
			records[i] = rec
		}

		if err := s.vectors.Add(ctx, folder.AgentID, records); err != nil {
			rollback()
			return nil, 0, fmt.Errorf("append vectors for %s: %w", file.AbsPath, err)
		}
		for _, r := range records {
			appended = append(appended, r.ID)
		}
	}

	return appended, len(chunks), nil
}

// checkTextLimits applies the line-count and line-length guards for
// text-like files. Returns the skip reason or "".
func checkTextLimits(text string, b behavior) string {
	lines := strings.Count(text, "\n") + 1
	if b.maxFileLines > 0 && lines > b.maxFileLines {
		return SkipMaxFileLines
	}
	if b.maxLineLength > 0 {
		start := 0
		for i := 0; i <= len(text); i++ {
			if i == len(text) || text[i] == '\n' {
				if i-start > b.maxLineLength {
					return SkipMaxLineLength
				}
				start = i + 1
			}
		}
	}
	return ""
}
