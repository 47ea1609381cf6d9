package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpmkit/cpm/internal/build"
	"github.com/cpmkit/cpm/internal/chunk"
)

func newBuildCmd() *cobra.Command {
	var (
		name          string
		pktVersion    string
		description   string
		model         string
		embedURL      string
		offline       bool
		hybrid        bool
		archive       string
		chunkTokens   int
		overlapTokens int
		hardCapTokens int
		hierarchical  bool
		preamble      bool
		watch         bool
		noSnapshot    bool
	)

	cmd := &cobra.Command{
		Use:   "build <source> <destination>",
		Short: "Build a context packet from a source tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			cfg := chunk.DefaultConfig()
			if chunkTokens > 0 {
				cfg.ChunkTokens = chunkTokens
			}
			if overlapTokens >= 0 {
				cfg.OverlapTokens = overlapTokens
			}
			if hardCapTokens > 0 {
				cfg.HardCapTokens = hardCapTokens
			}
			cfg.Hierarchical = hierarchical
			cfg.IncludeSourcePreamble = preamble

			embedder := a.embedder(offline, embedURL, model)
			defer func() { _ = embedder.Close() }()

			opts := build.Options{
				Source:         args[0],
				Dest:           args[1],
				PacketName:     name,
				Version:        pktVersion,
				Description:    description,
				Chunking:       cfg,
				MaxSeqLength:   a.embedCfg.MaxSeqLength,
				Hybrid:         hybrid,
				Archive:        archive,
				BatchSize:      a.embedCfg.BatchSize,
				WorkspaceCache: a.workspaceEmbedCache(embedder.ModelName()),
			}
			if !noSnapshot {
				opts.SnapshotRoot = a.ws.Root
			}

			if watch {
				a.printer.Statusf("watching %s for changes", args[0])
				return build.Watch(cmd.Context(), embedder, opts, build.DefaultDebounce, func(result *build.Result, err error) {
					if err != nil {
						a.printer.Error(err)
						return
					}
					a.printer.Successf("rebuilt %s: %d chunks (%d embedded, %d reused)",
						result.PacketDir, result.Stats.NewChunks, result.Stats.Embedded, result.Stats.Reused)
				})
			}

			result, err := build.Run(cmd.Context(), embedder, opts)
			if err != nil {
				return err
			}
			a.printer.Result(result,
				fmt.Sprintf("built %s", result.PacketDir),
				fmt.Sprintf("chunks=%d embedded=%d reused=%d removed=%d",
					result.Stats.NewChunks, result.Stats.Embedded, result.Stats.Reused, result.Stats.Removed),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Packet name (default: destination directory name)")
	cmd.Flags().StringVar(&pktVersion, "packet-version", "0.0.0", "Packet version")
	cmd.Flags().StringVar(&description, "description", "", "Packet description")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model (default: config/embeddings.yml)")
	cmd.Flags().StringVar(&embedURL, "embed-url", "", "Embedder endpoint (default: config/embeddings.yml)")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use deterministic offline embeddings")
	cmd.Flags().BoolVar(&hybrid, "hybrid", true, "Also build the BM25 sparse index")
	cmd.Flags().StringVar(&archive, "archive", "", "Archive the packet (tar.gz or zip)")
	cmd.Flags().IntVar(&chunkTokens, "chunk-tokens", 0, "Target tokens per chunk")
	cmd.Flags().IntVar(&overlapTokens, "overlap-tokens", -1, "Overlap tokens between chunks")
	cmd.Flags().IntVar(&hardCapTokens, "hard-cap-tokens", 0, "Absolute token cap per chunk")
	cmd.Flags().BoolVar(&hierarchical, "hierarchical", false, "Emit parent and micro chunks")
	cmd.Flags().BoolVar(&preamble, "include-source-preamble", false, "Prefix code chunks with imports")
	cmd.Flags().BoolVar(&watch, "watch", false, "Rebuild on source changes")
	cmd.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "Skip the time-travel lock snapshot")

	return cmd
}
