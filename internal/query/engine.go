package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cpmkit/cpm/internal/cas"
	"github.com/cpmkit/cpm/internal/embed"
	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/lockfile"
	"github.com/cpmkit/cpm/internal/oci"
	"github.com/cpmkit/cpm/internal/packet"
	"github.com/cpmkit/cpm/internal/policy"
	"github.com/cpmkit/cpm/internal/source"
)

// MetricsRecorder observes completed queries; implementations must be
// best-effort and never fail the query.
type MetricsRecorder interface {
	RecordQuery(queryText, indexer string, hitCount int, latency time.Duration)
}

// Engine runs the query lifecycle:
//
//	Parsed -> SourceResolved -> Fetched -> Verified -> PolicyApproved ->
//	Retrieved -> Reranked -> Compiled -> Emitted
//
// Any state may fail with a typed reason; the policy gate alone may warn
// and continue. Replay logs are written on both Emitted and Failed.
type Engine struct {
	Workspace string
	Resolver  *source.Resolver
	Cache     *cas.Cache
	Policy    *policy.Engine
	Embedder  embed.Embedder
	Metrics   MetricsRecorder
	Now       func() time.Time
}

// Execute runs one query to completion.
func (e *Engine) Execute(ctx context.Context, opts Options) (*Result, error) {
	started := e.now()
	result := &Result{
		Query:    opts.Query,
		K:        opts.K,
		Indexer:  opts.Indexer,
		Reranker: opts.Reranker,
		State:    StateParsed,
	}
	if e.Embedder != nil {
		result.Model = e.Embedder.ModelName()
	}

	run := func() error { return e.execute(ctx, opts, result) }
	err := run()
	if err != nil {
		result.State = StateFailed
	}

	if !opts.SkipReplayLog {
		if path, logErr := e.writeReplayLog(opts, result, err); logErr != nil {
			slog.Warn("replay_log_write_failed", slog.String("error", logErr.Error()))
		} else {
			result.ReplayLogPath = path
		}
	}
	if e.Metrics != nil && err == nil {
		e.Metrics.RecordQuery(opts.Query, result.Indexer, len(result.Hits), e.now().Sub(started))
	}
	return result, err
}

func (e *Engine) execute(ctx context.Context, opts Options, result *Result) error {
	if strings.TrimSpace(opts.Query) == "" {
		return cpmerrors.New(cpmerrors.ErrCodeQueryEmpty, "query text is empty", nil)
	}
	if result.K <= 0 {
		result.K = DefaultK
	}

	// Time-travel pins the packet before source resolution.
	packetURI := opts.Packet
	var pinnedPayload string
	if opts.AsOf != nil {
		lock, snapPath, err := lockfile.ResolveSnapshot(e.Workspace, packetBaseName(opts.Packet), *opts.AsOf)
		if err != nil {
			return cpmerrors.Wrap(cpmerrors.ErrCodeSourceResolve, err)
		}
		if lock.Source == nil {
			return cpmerrors.New(cpmerrors.ErrCodeSourceResolve,
				"snapshot "+snapPath+" carries no source pin", nil)
		}
		result.PacketDigest = lock.Source.Digest
		pinnedPayload = lock.Source.PayloadDigest
	}

	// SourceResolved.
	ref, err := e.Resolver.Resolve(ctx, packetURI)
	if err != nil {
		return err
	}
	result.State = StateSourceResolved
	if result.PacketDigest == "" {
		result.PacketDigest = ref.Digest
	}

	// Fetched: either the live packet or the pinned snapshot payload.
	var lp *source.LocalPacket
	if opts.AsOf != nil && ref.Digest != result.PacketDigest {
		if pinnedPayload == "" {
			return cpmerrors.New(cpmerrors.ErrCodeFetchFailed,
				"snapshot pins "+result.PacketDigest+" but records no payload to materialize", nil)
		}
		lp, err = e.materializeFromCAS(result.PacketDigest, pinnedPayload, packetBaseName(opts.Packet))
	} else {
		ref.Digest = result.PacketDigest
		lp, err = e.Resolver.Fetch(ctx, ref, e.Cache)
	}
	if err != nil {
		return err
	}
	result.State = StateFetched

	// Verified: trust report attached by the source (nil for local dirs).
	result.State = StateVerified

	// Lock verification before the policy gate.
	if lp.Lock != nil {
		if lockErr := lp.Lock.Verify(lp.Path); lockErr != nil {
			if opts.FrozenLockfile {
				return lockErr
			}
			result.Warnings = append(result.Warnings, "lock_mismatch:"+cpmerrors.GetDetail(lockErr, "artifact"))
		}
	}

	// PolicyApproved: the only gate that may warn and continue.
	verdict := e.Policy.Evaluate(ctx, policy.Input{
		Operation:     policy.OpQuery,
		SourceURI:     ref.URI,
		Trust:         lp.Trust,
		Tokens:        -1,
		DeclaredModel: result.Model,
	})
	result.PolicyDecision = verdict.Decision
	if !verdict.Allowed() {
		return cpmerrors.PolicyDeny(strings.Join(verdict.Reasons, ","),
			"query denied by policy")
	}
	if verdict.Decision == policy.DecisionWarn {
		result.Warnings = append(result.Warnings, verdict.Reasons...)
	}
	result.State = StatePolicyApproved

	// Retrieved.
	loaded, err := loadPacket(lp.Path, &result.Warnings)
	if err != nil {
		return err
	}
	queryVec, err := e.embedQuery(ctx, opts.Query, loaded.manifest.Embedding.Dim)
	if err != nil {
		return err
	}
	candidates, effectiveIndexer, err := loaded.retrieve(queryVec, opts.Query, opts.Indexer, result.K, &result.Warnings)
	if err != nil {
		return err
	}
	result.Indexer = effectiveIndexer
	result.State = StateRetrieved

	// Reranked: top-k' in, top-k out.
	reranker := rerankerFor(opts.Reranker, &result.Warnings)
	result.Reranker = reranker.Name()
	result.Hits = reranker.Rerank(candidates, loaded.dense.Vector, result.K)
	result.State = StateReranked

	// Compiled.
	maxTokens := opts.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = e.Policy.Policy().MaxTokens
	}
	result.Compiled = compileContext(opts.Query, result.Hits, loaded.dense.Vector, maxTokens, result.Warnings)
	result.State = StateCompiled

	// Token budget is policy-gated on the compiled output.
	budgetVerdict := e.Policy.Evaluate(ctx, policy.Input{
		Operation: policy.OpQuery,
		SourceURI: ref.URI,
		Trust:     lp.Trust,
		Tokens:    result.Compiled.TokenEstimate,
	})
	if !budgetVerdict.Allowed() {
		result.PolicyDecision = budgetVerdict.Decision
		return cpmerrors.New(cpmerrors.ErrCodeBudgetExceeded,
			fmt.Sprintf("compiled context uses %d tokens over the policy budget", result.Compiled.TokenEstimate), nil)
	}

	result.ResultHash = hashHits(result.Hits)
	result.CompilerHash = hashCompiled(result.Compiled)
	result.State = StateEmitted
	return nil
}

// embedQuery embeds and normalizes the query text, validating the packet
// dimension.
func (e *Engine) embedQuery(ctx context.Context, text string, dim int) ([]float32, error) {
	rows, err := e.Embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, cpmerrors.Embedder("embedder returned no query vector", nil)
	}
	vec := embed.NormalizeVector(rows[0])
	if len(vec) != dim {
		return nil, cpmerrors.New(cpmerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query vector dim %d does not match packet dim %d", len(vec), dim), nil)
	}
	return vec, nil
}

// materializeFromCAS extracts a snapshot-pinned payload out of the CAS.
func (e *Engine) materializeFromCAS(manifestDigest, payloadDigest, name string) (*source.LocalPacket, error) {
	payload, err := e.Cache.GetBytes(payloadDigest)
	if err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeFetchFailed,
			"snapshot payload "+payloadDigest+" not present in CAS", err)
	}
	dest := filepath.Join(e.Workspace, "state", "materialized",
		name+"-"+strings.TrimPrefix(manifestDigest, "sha256:")[:12])
	if err := oci.ExtractPayload(payload, dest); err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}
	m, err := packet.LoadManifest(filepath.Join(dest, packet.FileManifest))
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}
	return &source.LocalPacket{Path: dest, Manifest: m}, nil
}

// packetBaseName maps a packet argument to its snapshot directory name.
func packetBaseName(uri string) string {
	s := strings.TrimPrefix(uri, "dir://")
	if idx := strings.Index(s, "@"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimRight(s, "/")
	return filepath.Base(s)
}

// hashHits fingerprints the ranking: byte-identical rankings produce
// equal hashes.
func hashHits(hits []Hit) string {
	var b strings.Builder
	for _, h := range hits {
		b.WriteString(h.ID)
		b.WriteByte('\t')
		b.WriteString(strconv.FormatFloat(h.Score, 'f', 9, 64))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// hashCompiled fingerprints the compiler output.
func hashCompiled(c *Compiled) string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
