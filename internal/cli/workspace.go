package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/watchman/internal/worktree"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Inspect and clean scan checkouts",
	Long: `Every run clones into its own directory under workspace.base_dir and removes
it when the run ends. Checkouts left behind by a crash can be listed and pruned here.`,
}

func workspaceManager() (*worktree.Manager, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	return worktree.NewManager(&worktree.ExecGit{}, cfg.Workspace.BaseDir, cfg.GitHub.BaseURL, cfg.GitHub.Token), cfg.Workspace.BaseDir, nil
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkouts, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, base, err := workspaceManager()
		if err != nil {
			return err
		}
		entries, err := mgr.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No checkouts under %s.\n", base)
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", e.ModTime.Format(time.RFC3339), e.Path)
		}
		return nil
	},
}

var workspaceCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove checkouts older than a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		mgr, _, err := workspaceManager()
		if err != nil {
			return err
		}
		removed, err := mgr.Prune(time.Now().Add(-olderThan))
		for _, p := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", p)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkout(s).\n", len(removed))
		return nil
	},
}

func init() {
	workspaceCleanCmd.Flags().Duration("older-than", time.Hour, "Only remove checkouts last modified before now minus this duration")

	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceCleanCmd)
}
