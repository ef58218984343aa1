package engine

import (
	"context"
	"log/slog"

	"github.com/docker/folderindex/pkg/vectorstore"
)

// ReindexAgent drops the agent's vector table and force-syncs every one of
// its folders.
func (s *Service) ReindexAgent(ctx context.Context, agentID string) ([]*SyncResult, error) {
	folders, err := s.ledger.GetFolders(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if err := s.vectors.DropTable(ctx, agentID); err != nil {
		return nil, err
	}
	slog.Info("Agent vector table dropped for reindex", "agent_id", agentID, "folders", len(folders))

	var results []*SyncResult
	for _, f := range folders {
		res, err := s.SyncFolder(ctx, f.ID, SyncOptions{Parallel: true, Force: true, Trigger: TriggerManual})
		if err != nil {
			slog.Error("Reindex sync failed", "folder_id", f.ID, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// ReindexAll reindexes every agent that has at least one folder.
func (s *Service) ReindexAll(ctx context.Context) error {
	agents, err := s.ledger.AgentsWithFolders(ctx)
	if err != nil {
		return err
	}
	for _, agentID := range agents {
		if _, err := s.ReindexAgent(ctx, agentID); err != nil {
			slog.Error("Agent reindex failed", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// CleanupOrphanedVectorTables drops agent tables that no longer correspond
// to any agent with registered folders. Returns the dropped table names.
func (s *Service) CleanupOrphanedVectorTables(ctx context.Context) ([]string, error) {
	tables, err := s.vectors.ListAgentTables(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.ledger.AgentsWithFolders(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(agents))
	for _, id := range agents {
		live[vectorstore.TableName(id)] = true
	}

	var dropped []string
	for _, table := range tables {
		if live[table] {
			continue
		}
		if err := s.vectors.DropTableByName(ctx, table); err != nil {
			slog.Error("Failed to drop orphaned vector table", "table", table, "error", err)
			continue
		}
		dropped = append(dropped, table)
	}

	if len(dropped) > 0 {
		slog.Info("Dropped orphaned vector tables", "count", len(dropped))
	}
	return dropped, nil
}
