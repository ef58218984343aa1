package engine

import (
	"context"
	"fmt"

	"github.com/docker/folderindex/pkg/vectorstore"
)

// SearchOptions bounds a retrieval query.
type SearchOptions struct {
	Limit     int
	Threshold float64
	// FolderID restricts hits to one folder when non-empty.
	FolderID string
}

// defaultSearchLimit applies when the caller gives no limit.
const defaultSearchLimit = 8

// Search embeds the query and runs nearest-neighbor retrieval against the
// agent's table. The router picks hybrid scoring when the store carries
// lexical vectors and hybrid search is enabled; dense-only otherwise.
func (s *Service) Search(ctx context.Context, agentID, query string, opts SearchOptions) ([]vectorstore.Hit, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultSearchLimit
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	storeOpts := vectorstore.SearchOptions{
		Limit:     opts.Limit,
		Threshold: opts.Threshold,
		FolderID:  opts.FolderID,
	}
	if s.settings.HybridSearchEnabled() {
		storeOpts.LexicalQuery = query
	}

	return s.vectors.Search(ctx, agentID, queryVector, storeOpts)
}
