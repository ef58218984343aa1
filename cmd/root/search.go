package root

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docker/folderindex/pkg/engine"
)

func newSearchCmd(flags *rootFlags) *cobra.Command {
	var (
		agentID   string
		folderID  string
		limit     int
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Query an agent's indexed folders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := flags.openApp()
			if err != nil {
				return err
			}
			defer app.close()

			query := strings.Join(args, " ")
			hits, err := app.engine.Search(cmd.Context(), agentID, query, engine.SearchOptions{
				Limit:     limit,
				Threshold: threshold,
				FolderID:  folderID,
			})
			if err != nil {
				return err
			}

			if len(hits) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No results.")
				return nil
			}

			for i, hit := range hits {
				location := hit.RelativePath
				if hit.StartLine > 0 {
					location = fmt.Sprintf("%s:%d-%d", hit.RelativePath, hit.StartLine, hit.EndLine)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%2d. [%.3f] %s\n", i+1, hit.Score, location)

				snippet := hit.Text
				if len(snippet) > 240 {
					snippet = snippet[:240] + "…"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", strings.ReplaceAll(snippet, "\n", " "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent to search (required)")
	cmd.Flags().StringVarP(&folderID, "folder", "f", "", "Restrict to one folder")
	cmd.Flags().IntVarP(&limit, "limit", "n", 8, "Maximum number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum score")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
