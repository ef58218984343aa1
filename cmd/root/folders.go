package root

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docker/folderindex/pkg/engine"
	"github.com/docker/folderindex/pkg/ledger"
)

func newAddCmd(flags *rootFlags) *cobra.Command {
	var (
		agentID   string
		recursive bool
		exts      []string
		excludes  []string
		syncMode  string
		indexing  string
		preset    string
		gitignore bool
		noSync    bool
	)

	cmd := &cobra.Command{
		Use:   "add [path]",
		Short: "Register a folder for an agent and sync it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			folder, err := app.engine.AddFolder(cmd.Context(), engine.AddFolderConfig{
				AgentID:           agentID,
				Path:              args[0],
				Recursive:         recursive,
				IncludeExtensions: exts,
				ExcludePatterns:   excludes,
				RespectGitignore:  gitignore,
				SyncMode:          ledger.SyncMode(syncMode),
				IndexingMode:      ledger.IndexingMode(indexing),
				ChunkPreset:       preset,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (folder %s, primary: %v)\n",
				folder.Path, folder.ID, folder.IsPrimary)

			if noSync {
				return nil
			}
			res, err := app.engine.SyncFolder(cmd.Context(), folder.ID,
				engine.SyncOptions{Parallel: true, Trigger: engine.TriggerManual})
			if err != nil {
				return err
			}
			printSyncResult(cmd, res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent the folder belongs to (required)")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "Index subdirectories")
	cmd.Flags().StringSliceVar(&exts, "ext", nil, "Extensions to index (default: common text and code formats)")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "Glob or segment patterns to exclude")
	cmd.Flags().StringVar(&syncMode, "sync-mode", string(ledger.SyncAuto), "Sync mode: auto, manual, scheduled, triggered")
	cmd.Flags().StringVar(&indexing, "indexing-mode", string(ledger.IndexingAuto), "Indexing mode: full, files-only, auto")
	cmd.Flags().StringVar(&preset, "chunk-preset", "balanced", "Chunk preset: balanced, small, large, custom")
	cmd.Flags().BoolVar(&gitignore, "respect-gitignore", false, "Skip files ignored by git")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Register without syncing")
	_ = cmd.MarkFlagRequired("agent")

	return cmd
}

func newListCmd(flags *rootFlags) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered folders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			var folders []*ledger.Folder
			if agentID != "" {
				folders, err = app.engine.GetFolders(cmd.Context(), agentID)
			} else {
				folders, err = app.engine.GetAllFolders(cmd.Context())
			}
			if err != nil {
				return err
			}

			if len(folders) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No folders registered.")
				return nil
			}
			for _, f := range folders {
				primary := " "
				if f.IsPrimary {
					primary = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-36s %-8s %6d files %7d chunks  %s\n",
					primary, f.ID, f.Status, f.FileCount, f.ChunkCount, f.Path)
				if f.LastError != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "    last error: %s\n", f.LastError)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Only this agent's folders")
	return cmd
}

func newRemoveCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove [folder-id]",
		Short: "Remove a folder and its indexed data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.engine.RemoveFolder(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Folder removed.")
			return nil
		},
	}
	return cmd
}

func newPrimaryCmd(flags *rootFlags) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "primary [folder-id]",
		Short: "Make a folder the agent's primary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.engine.SetPrimary(cmd.Context(), args[0], agentID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Primary folder updated.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent the folder belongs to (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
