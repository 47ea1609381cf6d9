package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/cpmkit/cpm/internal/trust"
)

// Decision values.
const (
	DecisionAllow = "allow"
	DecisionWarn  = "warn"
	DecisionDeny  = "deny"
)

// Input carries the evaluation context for one operation.
type Input struct {
	Operation Operation
	SourceURI string
	// Trust is the packet's trust report; nil when no verification ran
	// (local dir sources).
	Trust *trust.Report
	// Tokens is the compiled context size; negative means not applicable.
	Tokens int
	// DeclaredModel is the embedding model in play, forwarded to remote
	// evaluation.
	DeclaredModel string
}

// Result is the engine's verdict.
type Result struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Allowed reports whether the operation may proceed (allow or warn).
func (r Result) Allowed() bool { return r.Decision != DecisionDeny }

// RemoteEvaluator is the hub's /v1/policy/evaluate contract.
type RemoteEvaluator interface {
	EvaluatePolicy(ctx context.Context, policy Policy, input Input) (*Result, error)
}

// Engine applies the local policy and, when configured, a remote hub
// policy. A deny from either side is final.
type Engine struct {
	policy Policy

	// remote, when set, is consulted after the local rules.
	remote RemoteEvaluator
	// enforceRemote makes hub failures fail-closed.
	enforceRemote bool
}

// NewEngine creates an engine for a loaded policy.
func NewEngine(p Policy) *Engine {
	return &Engine{policy: p}
}

// WithRemote attaches a hub evaluator. When enforce is true, hub failure
// denies; otherwise the engine falls back to the local verdict.
func (e *Engine) WithRemote(remote RemoteEvaluator, enforce bool) *Engine {
	e.remote = remote
	e.enforceRemote = enforce
	return e
}

// Policy returns the engine's policy document.
func (e *Engine) Policy() Policy { return e.policy }

// Evaluate applies the policy rules in order: source allowlist, trust
// requirements and score, token budget, then the remote hub. In warn mode
// violations downgrade to warnings instead of denials.
func (e *Engine) Evaluate(ctx context.Context, input Input) Result {
	var violations []string

	if len(e.policy.AllowedSources) > 0 && input.SourceURI != "" {
		if !matchesAny(e.policy.AllowedSources, input.SourceURI) {
			violations = append(violations, "source_not_allowlisted")
		}
	}

	if input.Trust != nil {
		for _, component := range input.Trust.FailedRequirements(trust.Requirements{
			Signature:  e.policy.Require.Signature,
			SBOM:       e.policy.Require.SBOM,
			Provenance: e.policy.Require.Provenance,
		}) {
			violations = append(violations, "require_"+component)
		}
		if input.Trust.Score < e.policy.MinTrustScore {
			violations = append(violations,
				fmt.Sprintf("trust_score_below_threshold:%.2f<%.2f", input.Trust.Score, e.policy.MinTrustScore))
		}
	}

	if e.policy.MaxTokens > 0 && input.Tokens > e.policy.MaxTokens {
		violations = append(violations, "token_budget_exceeded")
	}

	local := Result{Decision: DecisionAllow}
	if len(violations) > 0 {
		local = Result{Decision: DecisionDeny, Reasons: violations}
		if !e.policy.Strict() {
			local.Decision = DecisionWarn
		}
	}
	if local.Decision == DecisionDeny {
		return local
	}

	if e.remote != nil {
		remote, err := e.remote.EvaluatePolicy(ctx, e.policy, input)
		if err != nil {
			if e.enforceRemote {
				return Result{Decision: DecisionDeny, Reasons: append(local.Reasons, "hub_unreachable")}
			}
			return withReason(local, "hub_unreachable_fail_open")
		}
		if remote != nil && remote.Decision == DecisionDeny {
			return Result{Decision: DecisionDeny, Reasons: append(local.Reasons, remote.Reasons...)}
		}
		if remote != nil && remote.Decision == DecisionWarn {
			local = withReasons(local, remote.Reasons)
		}
	}
	return local
}

func withReason(r Result, reason string) Result {
	if r.Decision == DecisionAllow {
		r.Decision = DecisionWarn
	}
	r.Reasons = append(r.Reasons, reason)
	return r
}

func withReasons(r Result, reasons []string) Result {
	if len(reasons) == 0 {
		return r
	}
	if r.Decision == DecisionAllow {
		r.Decision = DecisionWarn
	}
	r.Reasons = append(r.Reasons, reasons...)
	return r
}

// matchesAny checks the URI against the allowlist globs. A "*" matches
// any run of characters within the URI.
func matchesAny(patterns []string, uri string) bool {
	for _, p := range patterns {
		if matchGlob(p, uri) {
			return true
		}
	}
	return false
}

// matchGlob implements simple "*" wildcard matching over host/path.
func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
