package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/watchman/internal/orchestrator"
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Manage remediation issues filed by scan runs",
}

var issueCloseCmd = &cobra.Command{
	Use:   "close <run-id>",
	Short: "Close the remediation issue a run filed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || runID <= 0 {
			return fmt.Errorf("invalid run id %q", args[0])
		}
		reason, _ := cmd.Flags().GetString("reason")

		a, cleanup, err := newApp(cmd, appOpts{validate: true})
		if err != nil {
			return err
		}
		defer cleanup()

		issue, err := a.orch.CloseIssue(cmd.Context(), runID, reason)
		if errors.Is(err, orchestrator.ErrNoIssue) {
			return fmt.Errorf("run %d did not file a remediation issue", runID)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Issue #%d on %s is %s.\n", issue.IssueNumber, issue.RepoName, issue.Status)
		return nil
	},
}

func init() {
	issueCloseCmd.Flags().String("reason", "Resolved", "Comment posted when closing the issue")
	issueCmd.AddCommand(issueCloseCmd)
}
