// Package lockfile binds a packet build's inputs, pipeline parameters, and
// output digests. A lockfile is valid iff every recorded output digest
// matches the artifact currently on disk.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/packet"
)

// SchemaVersion is the lockfile schema version.
const SchemaVersion = 1

// Pipeline records the parameters that shaped the build.
type Pipeline struct {
	ChunkerConfig map[string]any `json:"chunker_config"`
	EmbedModel    string         `json:"embed_model"`
	RetrievalCaps []string       `json:"retrieval_caps"`
}

// Verification mirrors the trust report recorded at fetch time.
type Verification struct {
	Signature  bool    `json:"signature"`
	SBOM       bool    `json:"sbom"`
	Provenance bool    `json:"provenance"`
	TrustScore float64 `json:"trust_score"`
}

// SourcePin records the resolved source of a packet: the manifest digest
// that names it and, for snapshots, the CAS payload digest that can
// re-materialize it.
type SourcePin struct {
	URI           string       `json:"uri"`
	Digest        string       `json:"digest"`
	PayloadDigest string       `json:"payload_digest,omitempty"`
	Verification  Verification `json:"verification"`
	ResolvedAt    string       `json:"resolved_at"`
}

// Lock is the cpm-lock.json payload.
type Lock struct {
	SchemaVersion  int               `json:"schema_version"`
	Inputs         map[string]string `json:"inputs"`
	Pipeline       Pipeline          `json:"pipeline"`
	Outputs        map[string]string `json:"outputs"`
	Source         *SourcePin        `json:"source,omitempty"`
	ParentSnapshot string            `json:"parent_snapshot,omitempty"`
}

// Load reads a lockfile from disk.
func Load(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse lockfile: %w", err)
	}
	if l.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported lockfile schema_version %d", l.SchemaVersion)
	}
	return &l, nil
}

// Write persists the lockfile atomically.
func (l *Lock) Write(path string) error {
	l.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lockfile: %w", err)
	}
	return packet.WriteAtomic(path, append(data, '\n'))
}

// CaptureOutputs records the sha256 of each named artifact under packetDir.
// Missing artifacts are skipped.
func CaptureOutputs(packetDir string, relPaths []string) (map[string]string, error) {
	outputs := make(map[string]string, len(relPaths))
	for _, rel := range relPaths {
		target := filepath.Join(packetDir, filepath.FromSlash(rel))
		if _, err := os.Stat(target); err != nil {
			continue
		}
		sum, err := packet.SHA256File(target)
		if err != nil {
			return nil, fmt.Errorf("hash output %s: %w", rel, err)
		}
		outputs[rel] = sum
	}
	return outputs, nil
}

// Verify checks every recorded output digest against the artifact on disk.
// The first mismatch (in sorted artifact order, for determinism) is
// returned as a LockMismatch error.
func (l *Lock) Verify(packetDir string) error {
	names := make([]string, 0, len(l.Outputs))
	for name := range l.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		target := filepath.Join(packetDir, filepath.FromSlash(name))
		sum, err := packet.SHA256File(target)
		if err != nil {
			return errors.LockMismatch(name)
		}
		if sum != l.Outputs[name] {
			return errors.LockMismatch(name)
		}
	}
	return nil
}

// Digest returns the content digest of the lockfile payload itself, used
// for snapshot addressing.
func (l *Lock) Digest() (string, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return "", err
	}
	return "sha256:" + packet.HashText(string(data)), nil
}
