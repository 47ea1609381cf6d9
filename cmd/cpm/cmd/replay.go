package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpmkit/cpm/internal/query"
)

func newReplayCmd() *cobra.Command {
	var (
		offline  bool
		embedURL string
	)

	cmd := &cobra.Command{
		Use:   "replay <log>",
		Short: "Re-run a logged query and verify it reproduces exactly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			log, err := query.LoadReplayLog(args[0])
			if err != nil {
				return err
			}

			embedder := a.embedder(offline, embedURL, log.Model)
			defer func() { _ = embedder.Close() }()
			engine := a.queryEngine(embedder)

			result, err := engine.Replay(cmd.Context(), log)
			if err != nil {
				return err
			}
			a.printer.Result(map[string]any{
				"ok":            true,
				"expected_hash": log.ResultHash,
				"actual_hash":   result.ResultHash,
				"packet_digest": result.PacketDigest,
			},
				fmt.Sprintf("expected=%s", log.ResultHash),
				fmt.Sprintf("actual=%s", result.ResultHash),
				"status=ok",
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Use deterministic offline embeddings")
	cmd.Flags().StringVar(&embedURL, "embed-url", "", "Embedder endpoint override")
	return cmd
}
