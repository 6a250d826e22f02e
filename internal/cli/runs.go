package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/watchman/internal/orchestrator"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent scan runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		a, cleanup, err := newApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer cleanup()

		runs, err := a.orch.RecentScans(cmd.Context(), repo, limit)
		if err != nil {
			return err
		}

		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No scan runs found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-6s %-30s %-20s %-16s %-8s %s\n", "ID", "REPO", "BRANCH", "STATUS", "FINDINGS", "CREATED")
		fmt.Fprintf(w, "%-6s %-30s %-20s %-16s %-8s %s\n",
			strings.Repeat("-", 6),
			strings.Repeat("-", 30),
			strings.Repeat("-", 20),
			strings.Repeat("-", 16),
			strings.Repeat("-", 8),
			strings.Repeat("-", 7))
		for _, r := range runs {
			fmt.Fprintf(w, "%-6d %-30s %-20s %-16s %-8d %s\n",
				r.ID, truncate(r.RepoName, 30), truncate(r.Branch, 20), r.Status, r.TotalFindings, r.CreatedAt)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().String("repo", "", "Only show runs for this repository (owner/name)")
	runsCmd.Flags().Int("limit", orchestrator.DefaultRecentLimit, "Maximum number of runs to show")
	runsCmd.Flags().String("format", "text", "Output format: text or json")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
