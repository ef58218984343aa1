// Package vectorstore persists chunk vectors in an embedded SQLite store,
// one table per agent. Dense vectors are stored as JSON blobs and scanned
// with cosine scoring; when hybrid mode is on, each row also carries a
// fixed-width hashed lexical vector and line provenance.
package vectorstore

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/docker/folderindex/pkg/lexical"
	"github.com/docker/folderindex/pkg/sqliteutil"
)

// SchemaVersion marks rows written with the hybrid column set.
const SchemaVersion = 2

// sentinelID is the throwaway row used to materialize a table's schema.
const sentinelID = "__schema__"

// Hybrid combination weights.
const (
	denseWeight   = 0.7
	lexicalWeight = 0.3
)

// Record is one chunk row.
type Record struct {
	ID            string
	Vector        []float32
	Text          string
	FolderID      string
	FilePath      string
	RelativePath  string
	ChunkIndex    int
	TokenCount    int
	IndexedAt     time.Time
	LexicalVector []float32
	StartLine     int
	EndLine       int
	TokenOffset   int
}

// Hit is one search result.
type Hit struct {
	Record
	Score        float64
	DenseScore   float64
	LexicalScore float64
}

// SearchOptions bounds a search.
type SearchOptions struct {
	Limit     int
	Threshold float64
	// FolderID restricts hits to one folder when non-empty.
	FolderID string
	// LexicalQuery enables hybrid scoring when the store is hybrid and the
	// query text is non-empty.
	LexicalQuery string
}

// Store manages the per-agent vector tables inside one SQLite database.
type Store struct {
	db     *sql.DB
	hybrid bool

	ensure singleflight.Group
}

// Open opens (creating if needed) the vector database at path. hybrid
// selects the v2 schema with lexical columns for newly created tables.
func Open(path string, hybrid bool) (*Store, error) {
	db, err := sqliteutil.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	return &Store{db: db, hybrid: hybrid}, nil
}

// Hybrid reports whether the store writes and scores lexical vectors.
func (s *Store) Hybrid() bool { return s.hybrid }

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("Failed to checkpoint WAL before close", "error", err)
	}
	return s.db.Close()
}

var tableNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// TableName derives the agent's table name: agent_<id> with dashes (and any
// other non-identifier runes) as underscores.
func TableName(agentID string) string {
	return "agent_" + tableNameSanitizer.ReplaceAllString(strings.ReplaceAll(agentID, "-", "_"), "_")
}

// EnsureTable idempotently creates the agent's table. If the table exists
// but lacks the lexical column while hybrid mode is on, it is dropped and
// recreated. Concurrent callers for the same agent collapse into one
// schema operation.
func (s *Store) EnsureTable(ctx context.Context, agentID string, dim int) error {
	table := TableName(agentID)

	_, err, _ := s.ensure.Do(table, func() (any, error) {
		exists, err := s.tableExists(ctx, table)
		if err != nil {
			return nil, err
		}

		if exists {
			hasLexical, err := s.hasColumn(ctx, table, "lexical_vector")
			if err != nil {
				return nil, err
			}
			if s.hybrid && !hasLexical {
				slog.Info("Vector table predates hybrid schema, recreating", "table", table)
				if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
					return nil, fmt.Errorf("failed to drop stale table %s: %w", table, err)
				}
			} else {
				return nil, nil
			}
		}

		return nil, s.createTable(ctx, table, dim)
	})
	if err != nil {
		return fmt.Errorf("failed to ensure table for agent %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) createTable(ctx context.Context, table string, dim int) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		text TEXT NOT NULL,
		folder_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		relative_path TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		indexed_at TEXT NOT NULL,
		lexical_vector BLOB,
		start_line INTEGER NOT NULL DEFAULT 0,
		end_line INTEGER NOT NULL DEFAULT 0,
		token_offset INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT %d
	);
	CREATE INDEX IF NOT EXISTS idx_%s_folder ON %s(folder_id);
	CREATE INDEX IF NOT EXISTS idx_%s_path ON %s(file_path);
	`, table, SchemaVersion, table, table, table, table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	// Materialize and immediately delete a sentinel row so the schema is
	// committed with a known vector dimension on disk.
	vecJSON, err := json.Marshal(make([]float32, dim))
	if err != nil {
		return fmt.Errorf("failed to marshal sentinel vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s
		 (id, vector, text, folder_id, file_path, relative_path, chunk_index, indexed_at, version)
		 VALUES (?, ?, '', '', '', '', 0, ?, ?)`, table),
		sentinelID, vecJSON, time.Now().UTC().Format(time.RFC3339), SchemaVersion); err != nil {
		return fmt.Errorf("failed to insert sentinel row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), sentinelID); err != nil {
		return fmt.Errorf("failed to delete sentinel row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	slog.Debug("Vector table ready", "table", table, "dim", dim, "hybrid", s.hybrid)
	return nil
}

// Add appends a batch of records to the agent's table.
func (s *Store) Add(ctx context.Context, agentID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	table := TableName(agentID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s
		(id, vector, text, folder_id, file_path, relative_path, chunk_index,
		 token_count, indexed_at, lexical_vector, start_line, end_line, token_offset, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		vecJSON, err := json.Marshal(r.Vector)
		if err != nil {
			return fmt.Errorf("failed to marshal vector for %s: %w", r.ID, err)
		}

		var lexJSON []byte
		if s.hybrid && len(r.LexicalVector) > 0 {
			lexJSON, err = json.Marshal(r.LexicalVector)
			if err != nil {
				return fmt.Errorf("failed to marshal lexical vector for %s: %w", r.ID, err)
			}
		}

		indexedAt := r.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = time.Now().UTC()
		}

		if _, err := stmt.ExecContext(ctx,
			r.ID, vecJSON, r.Text, r.FolderID, r.FilePath, r.RelativePath,
			r.ChunkIndex, r.TokenCount, indexedAt.UTC().Format(time.RFC3339),
			lexJSON, r.StartLine, r.EndLine, r.TokenOffset, SchemaVersion); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteByIDs removes the given rows from the agent's table. Missing rows,
// or a missing table, are not an error.
func (s *Store) DeleteByIDs(ctx context.Context, agentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table := TableName(agentID)
	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to delete %d vectors: %w", len(ids), err)
	}
	return nil
}

// DeleteByFolder bulk-deletes every row owned by the folder.
func (s *Store) DeleteByFolder(ctx context.Context, agentID, folderID string) error {
	table := TableName(agentID)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE folder_id = ?", table), folderID)
	if err != nil {
		return fmt.Errorf("failed to delete vectors for folder %s: %w", folderID, err)
	}
	return nil
}

// DropTable removes the agent's entire table.
func (s *Store) DropTable(ctx context.Context, agentID string) error {
	return s.DropTableByName(ctx, TableName(agentID))
}

// DropTableByName removes a table by its raw name. Used by orphan cleanup,
// which enumerates tables rather than agents.
func (s *Store) DropTableByName(ctx context.Context, table string) error {
	if !strings.HasPrefix(table, "agent_") {
		return fmt.Errorf("refusing to drop non-agent table %q", table)
	}
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

// TableExists reports whether the agent has a vector table.
func (s *Store) TableExists(ctx context.Context, agentID string) (bool, error) {
	return s.tableExists(ctx, TableName(agentID))
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return true, nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to introspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// CountRows returns the number of rows in the agent's table; zero when the
// table does not exist.
func (s *Store) CountRows(ctx context.Context, agentID string) (int, error) {
	table := TableName(agentID)
	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// ListAgentTables returns the agent table names present in the database.
func (s *Store) ListAgentTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'agent\\_%' ESCAPE '\\'")
	if err != nil {
		return nil, fmt.Errorf("failed to list agent tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Search runs a dense nearest-neighbor scan, optionally combined with
// lexical scores when the store is hybrid and opts.LexicalQuery is set.
// Hits below opts.Threshold are dropped; results are ranked by Score.
func (s *Store) Search(ctx context.Context, agentID string, queryVector []float32, opts SearchOptions) ([]Hit, error) {
	table := TableName(agentID)

	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT id, vector, text, folder_id, file_path, relative_path,
		chunk_index, token_count, indexed_at, lexical_vector, start_line, end_line, token_offset
		FROM %s`, table)
	var args []any
	if opts.FolderID != "" {
		query += " WHERE folder_id = ?"
		args = append(args, opts.FolderID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var queryLexical []float32
	useHybrid := s.hybrid && opts.LexicalQuery != ""
	if useHybrid {
		queryLexical = lexical.Vector(opts.LexicalQuery)
	}

	var hits []Hit
	for rows.Next() {
		var (
			r         Record
			vecJSON   []byte
			lexJSON   []byte
			indexedAt string
		)
		if err := rows.Scan(&r.ID, &vecJSON, &r.Text, &r.FolderID, &r.FilePath,
			&r.RelativePath, &r.ChunkIndex, &r.TokenCount, &indexedAt,
			&lexJSON, &r.StartLine, &r.EndLine, &r.TokenOffset); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if err := json.Unmarshal(vecJSON, &r.Vector); err != nil {
			return nil, fmt.Errorf("failed to decode vector for %s: %w", r.ID, err)
		}
		if t, err := time.Parse(time.RFC3339, indexedAt); err == nil {
			r.IndexedAt = t
		}

		dense := CosineSimilarity(queryVector, r.Vector)
		score := dense
		var lexScore float64

		if useHybrid && len(lexJSON) > 0 {
			if err := json.Unmarshal(lexJSON, &r.LexicalVector); err == nil {
				lexScore = lexical.Dot(queryLexical, r.LexicalVector)
				score = denseWeight*dense + lexicalWeight*lexScore
			}
		}

		if score < opts.Threshold {
			continue
		}
		hits = append(hits, Hit{Record: r, Score: score, DenseScore: dense, LexicalScore: lexScore})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	SortHits(hits)
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// CosineSimilarity scores two dense vectors. Mismatched lengths score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortHits orders hits by descending score.
func SortHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		return cmp.Compare(b.Score, a.Score)
	})
}
