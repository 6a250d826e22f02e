package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/watchman/internal/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the manual scan endpoint",
	Long: `Sign a bearer token with server.token_secret. Send it as
"Authorization: Bearer <token>" when calling POST /scan/manual.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.TokenSecret == "" {
			return fmt.Errorf("server.token_secret is not set; the manual scan endpoint is unauthenticated")
		}

		tok, err := api.IssueToken(cfg.Server.TokenSecret, subject, ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "operator", "Token subject recorded in request logs")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
}
