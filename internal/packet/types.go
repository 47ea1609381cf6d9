// Package packet defines the context packet artifact: chunked documents,
// dense vectors, manifest, and their on-disk encodings.
//
// A packet directory contains:
//
//	cpm.yml             human-readable metadata twin
//	manifest.json       immutable build manifest
//	docs.jsonl          one chunk per line: {id, text, hash, metadata}
//	vectors.f16.bin     N x dim float16, row-major, little-endian
//	faiss/index.faiss   dense inner-product index
//	bm25.bin            optional sparse index
//	cpm-lock.json       lockfile binding inputs -> pipeline -> outputs
package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SchemaVersion is the packet manifest schema version.
const SchemaVersion = "1.0"

// Artifact file names inside a packet directory.
const (
	FileCPMYml    = "cpm.yml"
	FileManifest  = "manifest.json"
	FileDocs      = "docs.jsonl"
	FileVectors   = "vectors.f16.bin"
	FileDenseIdx  = "faiss/index.faiss"
	FileSparseIdx = "bm25.bin"
	FileLock      = "cpm-lock.json"
)

// Chunk is one retrievable unit of a packet.
type Chunk struct {
	// ID is "<source_path>:<chunk_index>" or, for AST chunkers,
	// "<path>:<symbol_path>:<ord>". Unique within a packet.
	ID string `json:"id"`

	// Text is the chunk content as cut by the chunker.
	Text string `json:"text"`

	// Hash is the SHA-256 hex of the normalized chunk text.
	Hash string `json:"hash"`

	// Metadata carries at least path and ext.
	Metadata map[string]string `json:"metadata"`
}

// EmbeddingSpec records the embedding configuration a packet was built with.
type EmbeddingSpec struct {
	Model        string `json:"model" yaml:"model"`
	Dim          int    `json:"dim" yaml:"dim"`
	Dtype        string `json:"dtype" yaml:"dtype"`
	Normalized   bool   `json:"normalized" yaml:"normalized"`
	MaxSeqLength int    `json:"max_seq_length,omitempty" yaml:"max_seq_length,omitempty"`
}

// Counts records document and vector totals.
type Counts struct {
	Docs    int `json:"docs"`
	Vectors int `json:"vectors"`
}

// Incremental records cache reuse statistics for one build.
type Incremental struct {
	Enabled  bool `json:"enabled"`
	Reused   int  `json:"reused"`
	Embedded int  `json:"embedded"`
	Removed  int  `json:"removed"`
}

// Checksum is one artifact digest entry.
type Checksum struct {
	Algo  string `json:"algo"`
	Value string `json:"value"`
}

// Similarity describes the packed dense index.
type Similarity struct {
	Space     string `json:"space"`
	IndexType string `json:"index_type"`
	Notes     string `json:"notes,omitempty"`
}

// SourceInfo records where the packet's content came from.
type SourceInfo struct {
	InputDir     string         `json:"input_dir"`
	FileExtCount map[string]int `json:"file_ext_counts,omitempty"`
}

// Manifest is the immutable per-build packet metadata. Its digest defines
// packet identity; any rebuild produces a new digest.
type Manifest struct {
	SchemaVersion string              `json:"schema_version"`
	PacketID      string              `json:"packet_id"`
	Version       string              `json:"version"`
	CreatedAt     string              `json:"created_at"`
	Embedding     EmbeddingSpec       `json:"embedding"`
	Similarity    Similarity          `json:"similarity"`
	Counts        Counts              `json:"counts"`
	Incremental   Incremental         `json:"incremental"`
	Source        SourceInfo          `json:"source"`
	Checksums     map[string]Checksum `json:"checksums"`
}

// NormalizeText applies the canonical normalization used for content hashing:
// NFC unicode form, LF line endings, trailing whitespace stripped per line.
func NormalizeText(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// HashText returns the SHA-256 hex digest of the normalized text. This is
// the chunk content hash and the embedding cache key component.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// Validate checks the manifest's internal invariants.
func (m *Manifest) Validate() error {
	if m.SchemaVersion == "" {
		return fmt.Errorf("manifest missing schema_version")
	}
	if m.PacketID == "" {
		return fmt.Errorf("manifest missing packet_id")
	}
	if m.Embedding.Model == "" {
		return fmt.Errorf("manifest embedding entry is missing model")
	}
	if m.Embedding.Dim <= 0 {
		return fmt.Errorf("manifest embedding entry has invalid dim %d", m.Embedding.Dim)
	}
	if m.Counts.Vectors != m.Counts.Docs {
		return fmt.Errorf("counts mismatch: docs=%d vectors=%d", m.Counts.Docs, m.Counts.Vectors)
	}
	return nil
}
