// Package query implements the query pipeline: retrieval over dense,
// sparse, and hybrid indexes, optional rerank, the context compiler with
// its citation guarantee, the policy gate, time-travel, and deterministic
// replay.
package query

import (
	"time"
)

// Indexer names.
const (
	IndexerFlatIP    = "flat-ip"
	IndexerBM25      = "bm25"
	IndexerHybridRRF = "hybrid-rrf"
	IndexerDenseHNSW = "dense-hnsw"
)

// Reranker names.
const (
	RerankerNone           = "none"
	RerankerTokenDiversity = "token-diversity"
)

// RRFConstant is the reciprocal-rank fusion smoothing constant.
const RRFConstant = 60

// DefaultK is the default result count.
const DefaultK = 5

// Lifecycle states of one query.
type State string

const (
	StateParsed         State = "Parsed"
	StateSourceResolved State = "SourceResolved"
	StateFetched        State = "Fetched"
	StateVerified       State = "Verified"
	StatePolicyApproved State = "PolicyApproved"
	StateRetrieved      State = "Retrieved"
	StateReranked       State = "Reranked"
	StateCompiled       State = "Compiled"
	StateEmitted        State = "Emitted"
	StateFailed         State = "Failed"
)

// Options configure one query.
type Options struct {
	// Packet is a source URI ("dir://…", "oci://…", "hub://…"), a plain
	// path, or an installed packet name.
	Packet string
	// Query is the query text.
	Query string
	// K is the result count (default 5).
	K int
	// Indexer selects retrieval composition (default flat-ip, also when
	// the packet carries a sparse index).
	Indexer string
	// Reranker selects the reranker (default none).
	Reranker string
	// AsOf pins the packet to the newest lock snapshot at or before this
	// time.
	AsOf *time.Time
	// MaxContextTokens caps the compiled context; 0 uses the policy's
	// max_tokens.
	MaxContextTokens int
	// FrozenLockfile aborts on lock mismatch instead of warning.
	FrozenLockfile bool
	// SkipReplayLog suppresses the replay log write (used by replay
	// itself).
	SkipReplayLog bool
}

// Hit is one ranked retrieval result.
type Hit struct {
	ID       string            `json:"id"`
	Ord      int               `json:"-"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Citation points a snippet back to its chunk.
type Citation struct {
	ID    string  `json:"id"`
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// Snippet is one compiled context snippet. The citation is guaranteed
// non-empty: snippets that cannot be cited are dropped.
type Snippet struct {
	Text     string   `json:"text"`
	Citation Citation `json:"citation"`
}

// GlossaryEntry is one glossary term with its source citation.
type GlossaryEntry struct {
	Term     string   `json:"term"`
	Def      string   `json:"def"`
	Citation Citation `json:"citation"`
}

// Compiled is the context compiler output.
type Compiled struct {
	Outline       []string        `json:"outline"`
	CoreSnippets  []Snippet       `json:"core_snippets"`
	Glossary      []GlossaryEntry `json:"glossary"`
	Risks         []string        `json:"risks"`
	Citations     []Citation      `json:"citations"`
	TokenEstimate int             `json:"token_estimate"`
}

// Result is the emitted query outcome.
type Result struct {
	Query          string    `json:"query"`
	PacketDigest   string    `json:"packet_digest"`
	Model          string    `json:"model"`
	Indexer        string    `json:"indexer"`
	Reranker       string    `json:"reranker"`
	K              int       `json:"k"`
	State          State     `json:"state"`
	PolicyDecision string    `json:"policy_decision"`
	Warnings       []string  `json:"warnings,omitempty"`
	Hits           []Hit     `json:"hits"`
	Compiled       *Compiled `json:"compiled_context"`
	ResultHash     string    `json:"result_hash"`
	CompilerHash   string    `json:"compiler_output_hash"`
	ReplayLogPath  string    `json:"replay_log,omitempty"`
}
