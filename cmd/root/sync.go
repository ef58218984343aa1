package root

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/docker/folderindex/pkg/engine"
)

func newSyncCmd(flags *rootFlags) *cobra.Command {
	var (
		agentID  string
		folderID string
		force    bool
		stale    bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync folders now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			switch {
			case folderID != "":
				res, err := app.engine.SyncFolder(cmd.Context(), folderID,
					engine.SyncOptions{Parallel: true, Force: force, Trigger: engine.TriggerManual})
				if err != nil {
					return err
				}
				printSyncResult(cmd, res)

			case agentID != "":
				results, err := app.engine.SyncAllForAgent(cmd.Context(), agentID)
				if err != nil {
					return err
				}
				for _, res := range results {
					printSyncResult(cmd, res)
				}

			case stale:
				results, err := app.engine.SyncStaleFolders(cmd.Context(), 0)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing is stale.")
				}
				for _, res := range results {
					printSyncResult(cmd, res)
				}

			default:
				results, err := app.engine.SyncPendingFolders(cmd.Context())
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing is pending.")
				}
				for _, res := range results {
					printSyncResult(cmd, res)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Sync every folder of this agent")
	cmd.Flags().StringVarP(&folderID, "folder", "f", "", "Sync one folder by ID")
	cmd.Flags().BoolVar(&force, "force", false, "Reindex files even when unchanged")
	cmd.Flags().BoolVar(&stale, "stale", false, "Sync folders whose last sync is stale")
	return cmd
}

func newReindexCmd(flags *rootFlags) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Drop vectors and rebuild from scratch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			if agentID != "" {
				results, err := app.engine.ReindexAgent(cmd.Context(), agentID)
				if err != nil {
					return err
				}
				for _, res := range results {
					printSyncResult(cmd, res)
				}
				return nil
			}
			return app.engine.ReindexAll(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Reindex only this agent")
	return cmd
}

func newRecoverCmd(flags *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Repair folders stuck in syncing after a crash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			if force {
				if err := app.engine.ForceCleanupStuckFolders(cmd.Context()); err != nil {
					return err
				}
			} else if err := app.engine.RecoverStuckSyncingFolders(cmd.Context()); err != nil {
				return err
			}

			dropped, err := app.engine.CleanupOrphanedVectorTables(cmd.Context())
			if err != nil {
				return err
			}
			if len(dropped) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d orphaned vector table(s).\n", len(dropped))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Recovery complete.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Demote every unowned syncing/pending folder regardless of age")
	return cmd
}

func printSyncResult(cmd *cobra.Command, res *engine.SyncResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s — %d processed, %d indexed, %d skipped, %d removed, %d chunks\n",
		res.FolderID, res.Status, res.FilesProcessed, res.FilesIndexed, res.FilesSkipped, res.FilesRemoved, res.ChunkCount)

	if len(res.SkipReasons) > 0 {
		reasons := make([]string, 0, len(res.SkipReasons))
		for r := range res.SkipReasons {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Fprintf(cmd.OutOrStdout(), "    skipped %d: %s\n", res.SkipReasons[r], r)
		}
	}
}
