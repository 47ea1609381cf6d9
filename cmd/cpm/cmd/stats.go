package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpmkit/cpm/internal/telemetry"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show query metrics recorded in this workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			store, err := telemetry.Open(a.ws.MetricsPath())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			summary, err := store.Summarize()
			if err != nil {
				return err
			}
			zero, err := store.ZeroResultQueries(10)
			if err != nil {
				return err
			}

			lines := []string{
				fmt.Sprintf("queries=%d zero_results=%d", summary.TotalQueries, summary.ZeroResults),
			}
			for _, u := range summary.ByIndexer {
				lines = append(lines, fmt.Sprintf("  %-12s count=%d avg_latency=%.1fms", u.Indexer, u.Count, u.AvgLatencyMS))
			}
			for _, q := range zero {
				lines = append(lines, fmt.Sprintf("  zero-result: %q", q))
			}
			a.printer.Result(map[string]any{
				"ok":           true,
				"summary":      summary,
				"zero_results": zero,
			}, lines...)
			return nil
		},
	}
	return cmd
}
