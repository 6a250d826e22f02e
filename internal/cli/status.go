package cli

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/watchman/internal/db"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a scan run with its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid run id %q", args[0])
		}

		a, cleanup, err := newApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := a.orch.Status(cmd.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("scan run %d not found", id)
		}
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), st)
		}

		r := st.Run
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Run:\t%d\n", r.ID)
		fmt.Fprintf(w, "Repository:\t%s@%s\n", r.RepoName, r.Branch)
		fmt.Fprintf(w, "Commit:\t%s\n", r.CommitSHA)
		fmt.Fprintf(w, "Status:\t%s\n", r.Status)
		fmt.Fprintf(w, "Findings:\t%d (errors %d, warnings %d, info %d)\n", r.TotalFindings, r.ErrorCount, r.WarningCount, r.InfoCount)
		fmt.Fprintf(w, "Analysis:\t%t\n", st.AnalysisAvailable)
		if st.Issue != nil {
			fmt.Fprintf(w, "Issue:\t#%d %s (%s)\n", st.Issue.IssueNumber, st.Issue.IssueURL, st.Issue.Status)
		}
		if r.ErrorMessage != "" {
			fmt.Fprintf(w, "Error:\t%s\n", r.ErrorMessage)
		}
		fmt.Fprintf(w, "Duration:\t%.1fs\n", r.DurationSeconds)
		fmt.Fprintf(w, "Created:\t%s\n", r.CreatedAt)
		w.Flush()

		if len(st.Events) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "\nEvents:")
			w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, ev := range st.Events {
				fmt.Fprintf(w, "  %s\t%s\t%s\n", ev.CreatedAt, ev.State, ev.Detail)
			}
			w.Flush()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
