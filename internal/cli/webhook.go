package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/watchman/internal/webhook"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Inspect webhook deliveries offline",
}

var webhookInspectCmd = &cobra.Command{
	Use:   "inspect <payload-file|->",
	Short: "Show how a delivery would be normalized and whether it would be processed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readPayload(cmd, args[0])
		if err != nil {
			return err
		}
		eventHeader, _ := cmd.Flags().GetString("event")
		signature, _ := cmd.Flags().GetString("signature")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ev := webhook.Normalize(raw)
		decision := guardFor(cfg).Check(ev.Branch, ev.CommitMessage)

		sigStatus := "not checked (no webhook secret configured)"
		if cfg.Server.WebhookSecret != "" {
			if err := webhook.VerifySignature(cfg.Server.WebhookSecret, signature, raw); err != nil {
				sigStatus = "invalid"
			} else {
				sigStatus = "valid"
			}
		}

		disposition := "accepted"
		switch {
		case eventHeader != "" && eventHeader != webhook.TypePush:
			disposition = "ignored (event " + eventHeader + ")"
		case ev.Type == webhook.TypeError:
			disposition = "rejected: " + ev.Error
		case ev.Type != webhook.TypePush:
			disposition = "ignored (not a push)"
		case ev.RepoFullName == "" || ev.Branch == "":
			disposition = "rejected: missing repository or branch"
		case webhook.IsBranchDeletion(ev):
			disposition = "ignored (branch deletion)"
		case decision.Skip:
			disposition = "skipped (" + decision.Reason + ")"
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			ev.Raw = nil
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"event":       ev,
				"guard":       decision,
				"signature":   sigStatus,
				"disposition": disposition,
			})
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Type:\t%s\n", ev.Type)
		if ev.Type == webhook.TypePush {
			fmt.Fprintf(w, "Repository:\t%s\n", ev.RepoFullName)
			fmt.Fprintf(w, "Branch:\t%s\n", ev.Branch)
			fmt.Fprintf(w, "Commit:\t%s\n", ev.CommitSHA)
			fmt.Fprintf(w, "Message:\t%s\n", firstLine(ev.CommitMessage))
			fmt.Fprintf(w, "Pusher:\t%s\n", ev.Pusher)
			fmt.Fprintf(w, "Commits:\t%d\n", ev.CommitsCount)
			fmt.Fprintf(w, "Deletion:\t%t\n", webhook.IsBranchDeletion(ev))
		}
		fmt.Fprintf(w, "Signature:\t%s\n", sigStatus)
		fmt.Fprintf(w, "Disposition:\t%s\n", disposition)
		return w.Flush()
	},
}

func init() {
	webhookInspectCmd.Flags().String("event", "push", "Value of the X-GitHub-Event header")
	webhookInspectCmd.Flags().String("signature", "", "Value of the X-Hub-Signature-256 header")
	webhookInspectCmd.Flags().String("format", "text", "Output format: text or json")
	webhookCmd.AddCommand(webhookInspectCmd)
}

func readPayload(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return raw, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
