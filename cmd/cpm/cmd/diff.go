package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpmkit/cpm/internal/diff"
)

func newDiffCmd() *cobra.Command {
	var maxDrift float64

	cmd := &cobra.Command{
		Use:   "diff <left> <right>",
		Short: "Diff two packet versions and report semantic drift",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			leftDir, err := a.ws.ResolvePacketArg(args[0])
			if err != nil {
				return err
			}
			rightDir, err := a.ws.ResolvePacketArg(args[1])
			if err != nil {
				return err
			}

			report, err := diff.Run(leftDir, rightDir)
			if err != nil {
				return err
			}

			lines := []string{
				fmt.Sprintf("added=%d removed=%d changed=%d",
					len(report.Added), len(report.Removed), len(report.Changed)),
			}
			if report.DriftScore != nil {
				lines = append(lines, fmt.Sprintf("drift_score=%.4f", *report.DriftScore))
				for _, s := range report.Sections {
					lines = append(lines, fmt.Sprintf("  %-30s changed=%d drift=%.4f", s.Section, s.Changed, s.Drift))
				}
			}
			a.printer.Result(report, lines...)

			if cmd.Flags().Changed("max-drift") {
				return report.CheckMaxDrift(maxDrift)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&maxDrift, "max-drift", 0, "Fail when drift score exceeds this threshold")
	return cmd
}
