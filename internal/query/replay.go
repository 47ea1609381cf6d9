package query

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/packet"
)

// ReplayLogSchema identifies the replay log format.
const ReplayLogSchema = "cpm.replay.v1"

// ReplayLog is the deterministic record of one query, sufficient to
// reproduce its output.
type ReplayLog struct {
	Schema         string `json:"schema"`
	ID             string `json:"id"`
	CreatedAt      string `json:"created_at"`
	Query          string `json:"query"`
	Packet         string `json:"packet"`
	PacketDigest   string `json:"packet_digest"`
	PayloadDigest  string `json:"payload_digest,omitempty"`
	Model          string `json:"model"`
	Indexer        string `json:"indexer"`
	Reranker       string `json:"reranker"`
	K              int    `json:"k"`
	PolicyDecision string `json:"policy_decision"`
	ResultHash     string `json:"result_hash"`
	CompilerHash   string `json:"compiler_output_hash"`
	State          State  `json:"state"`
	Error          string `json:"error,omitempty"`
}

// writeReplayLog records the query outcome under
// <workspace>/state/replay/query-<timestamp>-<first 8 chars of id>.json.
func (e *Engine) writeReplayLog(opts Options, result *Result, runErr error) (string, error) {
	log := ReplayLog{
		Schema:         ReplayLogSchema,
		ID:             uuid.NewString(),
		CreatedAt:      packet.Timestamp(e.now()),
		Query:          opts.Query,
		Packet:         opts.Packet,
		PacketDigest:   result.PacketDigest,
		Model:          result.Model,
		Indexer:        result.Indexer,
		Reranker:       result.Reranker,
		K:              result.K,
		PolicyDecision: result.PolicyDecision,
		ResultHash:     result.ResultHash,
		CompilerHash:   result.CompilerHash,
		State:          result.State,
	}
	if runErr != nil {
		log.Error = runErr.Error()
	}
	if payload, err := e.payloadDigestFor(result.PacketDigest); err == nil {
		log.PayloadDigest = payload
	}

	dir := filepath.Join(e.Workspace, "state", "replay")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("query-%s-%s.json",
		e.now().UTC().Format("20060102T150405Z"), log.ID[:8]))

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return "", err
	}
	return path, packet.WriteAtomic(path, append(data, '\n'))
}

// payloadDigestFor scans lock snapshots for a payload pin matching the
// manifest digest, so replay can re-materialize the exact packet from CAS.
func (e *Engine) payloadDigestFor(manifestDigest string) (string, error) {
	locksRoot := filepath.Join(e.Workspace, "state", "locks")
	entries, err := os.ReadDir(locksRoot)
	if err != nil {
		return "", err
	}
	for _, pktDir := range entries {
		if !pktDir.IsDir() {
			continue
		}
		snaps, err := os.ReadDir(filepath.Join(locksRoot, pktDir.Name()))
		if err != nil {
			continue
		}
		for _, snap := range snaps {
			data, err := os.ReadFile(filepath.Join(locksRoot, pktDir.Name(), snap.Name()))
			if err != nil {
				continue
			}
			var lock struct {
				Source *struct {
					Digest        string `json:"digest"`
					PayloadDigest string `json:"payload_digest"`
				} `json:"source"`
			}
			if json.Unmarshal(data, &lock) != nil || lock.Source == nil {
				continue
			}
			if lock.Source.Digest == manifestDigest && lock.Source.PayloadDigest != "" {
				return lock.Source.PayloadDigest, nil
			}
		}
	}
	return "", fmt.Errorf("no payload pin for %s", manifestDigest)
}

// LoadReplayLog parses a replay log file.
func LoadReplayLog(path string) (*ReplayLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var log ReplayLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parse replay log: %w", err)
	}
	if log.ResultHash == "" {
		return nil, fmt.Errorf("replay log missing result_hash")
	}
	return &log, nil
}

// Replay re-runs a logged query against the logged packet digest and
// succeeds iff both hashes reproduce exactly. Missing artifacts fail with
// an explicit error; there is no partial success.
func (e *Engine) Replay(ctx context.Context, log *ReplayLog) (*Result, error) {
	packetArg, err := e.resolveReplayPacket(log)
	if err != nil {
		return nil, err
	}

	result, err := e.Execute(ctx, Options{
		Packet:        packetArg,
		Query:         log.Query,
		K:             log.K,
		Indexer:       log.Indexer,
		Reranker:      log.Reranker,
		SkipReplayLog: true,
	})
	if err != nil {
		return nil, err
	}
	if result.ResultHash != log.ResultHash {
		return result, cpmerrors.ReplayMismatch("result_hash", log.ResultHash, result.ResultHash)
	}
	if log.CompilerHash != "" && result.CompilerHash != log.CompilerHash {
		return result, cpmerrors.ReplayMismatch("compiler_output_hash", log.CompilerHash, result.CompilerHash)
	}
	return result, nil
}

// resolveReplayPacket locates the logged packet: the logged path when its
// manifest digest still matches, otherwise a CAS materialization of the
// logged payload.
func (e *Engine) resolveReplayPacket(log *ReplayLog) (string, error) {
	dir := strings.TrimPrefix(log.Packet, "dir://")
	if !strings.Contains(dir, "://") {
		if digest, err := packet.ManifestDigest(dir); err == nil && digest == log.PacketDigest {
			return log.Packet, nil
		}
	}

	payloadDigest := log.PayloadDigest
	if payloadDigest == "" {
		if found, err := e.payloadDigestFor(log.PacketDigest); err == nil {
			payloadDigest = found
		}
	}
	if payloadDigest == "" {
		return "", cpmerrors.New(cpmerrors.ErrCodeFetchFailed,
			"replay cannot locate packet "+log.PacketDigest+": artifacts missing", nil)
	}

	lp, err := e.materializeFromCAS(log.PacketDigest, payloadDigest, packetBaseName(log.Packet))
	if err != nil {
		return "", err
	}
	return lp.Path, nil
}
