package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/query"
	"github.com/cpmkit/cpm/internal/registry"
)

func newQueryCmd() *cobra.Command {
	var (
		k          int
		indexer    string
		reranker   string
		asOf       string
		maxTokens  int
		frozen     bool
		offline    bool
		embedURL   string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "query <packet> <query...>",
		Short: "Query a context packet and compile cited context",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			if !a.validCapability(registry.KindRetriever, indexer) {
				return cpmerrors.Usage(fmt.Sprintf("unknown indexer %q", indexer))
			}
			if !a.validCapability(registry.KindReranker, reranker) {
				return cpmerrors.Usage(fmt.Sprintf("unknown reranker %q", reranker))
			}

			packetDir, err := a.ws.ResolvePacketArg(args[0])
			if err != nil {
				// Not installed locally; let the source resolver route the
				// URI (oci://, hub://).
				packetDir = args[0]
			}

			opts := query.Options{
				Packet:           packetDir,
				Query:            strings.Join(args[1:], " "),
				K:                k,
				Indexer:          indexer,
				Reranker:         reranker,
				MaxContextTokens: maxTokens,
				FrozenLockfile:   frozen,
			}
			if asOf != "" {
				at, err := parseAsOf(asOf)
				if err != nil {
					return cpmerrors.Usage(fmt.Sprintf("invalid --as-of value %q", asOf))
				}
				opts.AsOf = &at
			}

			embedder := a.embedder(offline, embedURL, model)
			defer func() { _ = embedder.Close() }()
			engine := a.queryEngine(embedder)

			result, err := engine.Execute(cmd.Context(), opts)
			if err != nil {
				return err
			}

			lines := []string{
				fmt.Sprintf("packet=%s indexer=%s reranker=%s", result.PacketDigest, result.Indexer, result.Reranker),
			}
			for i, h := range result.Hits {
				lines = append(lines, fmt.Sprintf("%2d. %-40s score=%.4f", i+1, h.ID, h.Score))
			}
			if result.Compiled != nil {
				lines = append(lines, fmt.Sprintf("context tokens=%d snippets=%d",
					result.Compiled.TokenEstimate, len(result.Compiled.CoreSnippets)))
			}
			lines = append(lines, fmt.Sprintf("result_hash=%s", result.ResultHash))
			for _, w := range result.Warnings {
				a.printer.Warnf("warning: %s", w)
			}
			a.printer.Result(result, lines...)
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", query.DefaultK, "Number of results")
	cmd.Flags().StringVar(&indexer, "indexer", "", "Indexer: flat-ip, bm25, hybrid-rrf, dense-hnsw")
	cmd.Flags().StringVar(&reranker, "reranker", "", "Reranker: none, token-diversity")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Pin the packet to a lock snapshot at or before this time")
	cmd.Flags().IntVar(&maxTokens, "max-context-tokens", 0, "Context token budget (default: policy max_tokens)")
	cmd.Flags().BoolVar(&frozen, "frozen-lockfile", false, "Abort on lock mismatch instead of warning")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use deterministic offline embeddings")
	cmd.Flags().StringVar(&embedURL, "embed-url", "", "Embedder endpoint override")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model override")

	return cmd
}

// parseAsOf accepts RFC3339 timestamps and bare dates (end of day).
func parseAsOf(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.Add(24*time.Hour - time.Second).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
