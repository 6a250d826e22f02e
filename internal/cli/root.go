package cli

import (
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configFile string
)

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "watchman",
	Short: "Push-triggered security scanning and remediation",
	Long: `watchman receives repository push webhooks, scans each pushed branch with
semgrep, triages the findings with a language model and, depending on what it
finds, files a remediation issue, opens a fix pull request and e-mails a summary.

Runs are recorded in a SQL database (sqlite by default). Configuration comes
from watchman.yaml and WATCHMAN_* environment variables.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to watchman.yaml (default: search ., $HOME, $XDG_CONFIG_HOME/watchman)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(webhookCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(workspaceCmd)
}
