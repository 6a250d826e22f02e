package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate scan statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd, appOpts{})
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := a.orch.SystemStats(cmd.Context())
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), stats)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Total scans:\t%d\n", stats.TotalScans)
		fmt.Fprintf(w, "Scans (7 days):\t%d\n", stats.RecentScans7d)
		fmt.Fprintf(w, "Total findings:\t%d\n", stats.TotalFindings)
		for _, k := range sortedKeys(stats.StatusCounts) {
			fmt.Fprintf(w, "  status %s:\t%d\n", k, stats.StatusCounts[k])
		}
		for _, k := range sortedKeys(stats.SeverityCounts) {
			fmt.Fprintf(w, "  severity %s:\t%d\n", k, stats.SeverityCounts[k])
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
