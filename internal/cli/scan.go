package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/watchman/internal/orchestrator"
	"github.com/lucasnoah/watchman/internal/worktree"
)

var scanCmd = &cobra.Command{
	Use:   "scan <owner/repo>",
	Short: "Run the full pipeline against a branch and wait for it",
	Long: `Scan a repository branch the same way a manual trigger does, but synchronously:
clone, scan, analyze, file an issue and open a fix pull request as needed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := args[0]
		branch, _ := cmd.Flags().GetString("branch")
		format, _ := cmd.Flags().GetString("format")
		if err := worktree.ValidateRepo(repo); err != nil {
			return err
		}
		if err := worktree.ValidateBranch(branch); err != nil {
			return err
		}

		a, cleanup, err := newApp(cmd, appOpts{validate: true})
		if err != nil {
			return err
		}
		defer cleanup()
		if err := preflight(a.cfg); err != nil {
			return err
		}

		res := a.orch.ProcessManual(cmd.Context(), repo, branch)
		if format == "json" {
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else {
			printResult(cmd.OutOrStdout(), res)
		}
		if !res.Success {
			return fmt.Errorf("scan of %s@%s failed at %s: %s", repo, branch, res.FailedStep, res.Error)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().String("branch", "main", "Branch to scan")
	scanCmd.Flags().String("format", "text", "Output format: text or json")
}

func printResult(out io.Writer, res *orchestrator.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Workflow:\t%s\n", res.WorkflowID)
	if res.RunID != 0 {
		fmt.Fprintf(w, "Run:\t%d\n", res.RunID)
	}
	fmt.Fprintf(w, "Repository:\t%s@%s\n", res.Repo, res.Branch)
	fmt.Fprintf(w, "Success:\t%t\n", res.Success)
	if res.Skipped {
		fmt.Fprintf(w, "Skipped:\t%s\n", res.SkipReason)
	}
	if res.Findings != nil {
		f := res.Findings
		fmt.Fprintf(w, "Findings:\t%d (critical %d, warnings %d, info %d)\n", f.Total, f.Critical, f.Warnings, f.Info)
	}
	if res.AnalysisSummary != "" {
		summary := res.AnalysisSummary
		if res.FallbackUsed {
			summary += " (fallback)"
		}
		fmt.Fprintf(w, "Analysis:\t%s\n", summary)
	}
	fmt.Fprintf(w, "Issue:\t%s\n", stepLine(res.Issue.Outcome, res.Issue.URL, res.Issue.Error))
	fmt.Fprintf(w, "Fixes:\t%s\n", stepLine(res.Fix.Outcome, plural(res.Fix.FilesProposed, "file"), res.Fix.Error))
	fmt.Fprintf(w, "Pull request:\t%s\n", stepLine(res.PR.Outcome, res.PR.URL, res.PR.Error))
	for _, n := range res.Notifications {
		status := "sent"
		if !n.Success {
			status = "failed: " + n.Error
		}
		fmt.Fprintf(w, "Email %s:\t%s\n", n.EmailType, status)
	}
	if res.FailedStep != "" {
		fmt.Fprintf(w, "Failed step:\t%s\n", res.FailedStep)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", res.Error)
	}
	fmt.Fprintf(w, "Duration:\t%.1fs\n", res.DurationSeconds)
	w.Flush()
}

func stepLine(o orchestrator.Outcome, detail, errMsg string) string {
	line := string(o)
	if detail != "" && o == orchestrator.Succeeded {
		line += " " + detail
	}
	if errMsg != "" {
		line += ": " + errMsg
	}
	return line
}

func plural(n int, noun string) string {
	if n == 0 {
		return ""
	}
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
