package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, closeDB, err := openDB(cfg)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		closeDB()
		fmt.Fprintf(cmd.OutOrStdout(), "Database %s (%s) is up to date.\n", cfg.Database.DSN, cfg.Database.Driver)
		return nil
	},
}

var dbPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete scan runs older than a number of days",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return fmt.Errorf("--days must be positive")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, closeDB, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := d.PruneScanRuns(cmd.Context(), time.Now().AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d scan run(s) older than %d day(s).\n", n, days)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every table (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return fmt.Errorf("refusing to reset without --force")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, closeDB, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer closeDB()
		if err := d.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
		return nil
	},
}

func init() {
	dbPruneCmd.Flags().Int("days", 90, "Delete runs created more than this many days ago")
	dbResetCmd.Flags().Bool("force", false, "Confirm the reset")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbPruneCmd)
	dbCmd.AddCommand(dbResetCmd)
}
