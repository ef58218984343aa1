package root

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWatchCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the engine: watchers plus the background scheduler",
		Long:  "Runs until interrupted. Watches every synced folder for changes and periodically re-syncs stale ones.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			ctx := cmd.Context()
			if err := app.engine.Initialize(ctx); err != nil {
				return err
			}
			app.engine.StartBackgroundSync()
			defer app.engine.StopBackgroundSync()

			fmt.Fprintln(cmd.OutOrStdout(), "Watching folders. Press Ctrl-C to stop.")
			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "Shutting down…")
			return nil
		},
	}
	return cmd
}
