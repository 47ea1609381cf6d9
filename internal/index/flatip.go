// Package index provides the packet similarity indexes: a flat
// inner-product dense index, an Okapi BM25 sparse index, and an in-memory
// HNSW adapter for large packets.
package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/cpmkit/cpm/internal/packet"
)

// Hit is one search result, addressed by chunk ordinal (the docs.jsonl
// line number).
type Hit struct {
	Ord   int
	Score float32
}

// flatMagic identifies the dense index file format.
const (
	flatMagic   = 0x43504649 // "CPFI"
	flatVersion = 1
)

// FlatIP is an exact inner-product index: no training, add-only, fully
// deterministic. Cosine similarity falls out when vectors are normalized.
type FlatIP struct {
	dim  int
	rows [][]float32
}

// NewFlatIP creates an empty index with a fixed dimension.
func NewFlatIP(dim int) (*FlatIP, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dim must be positive, got %d", dim)
	}
	return &FlatIP{dim: dim}, nil
}

// Add appends vectors in order. Row i pairs with chunk i.
func (f *FlatIP) Add(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) != f.dim {
			return fmt.Errorf("vector has dim %d, want %d", len(v), f.dim)
		}
		f.rows = append(f.rows, v)
	}
	return nil
}

// Count returns the number of indexed vectors.
func (f *FlatIP) Count() int { return len(f.rows) }

// Dim returns the index dimension.
func (f *FlatIP) Dim() int { return f.dim }

// Search returns the top-k rows by inner product with q. Ties break by
// ascending ordinal for byte-stable rankings.
func (f *FlatIP) Search(q []float32, k int) ([]Hit, error) {
	if len(q) != f.dim {
		return nil, fmt.Errorf("query has dim %d, want %d", len(q), f.dim)
	}
	if k <= 0 || len(f.rows) == 0 {
		return nil, nil
	}

	hits := make([]Hit, len(f.rows))
	for i, row := range f.rows {
		var dot float32
		for j := range row {
			dot += q[j] * row[j]
		}
		hits[i] = Hit{Ord: i, Score: dot}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ord < hits[j].Ord
	})
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// Vector returns row i (for rerankers and the compiler's dedup pass).
func (f *FlatIP) Vector(i int) []float32 {
	if i < 0 || i >= len(f.rows) {
		return nil
	}
	return f.rows[i]
}

// Save writes the index atomically: header {magic, version, dim, count}
// followed by float32 rows, all little-endian.
func (f *FlatIP) Save(path string) error {
	buf := make([]byte, 0, 16+len(f.rows)*f.dim*4)
	buf = binary.LittleEndian.AppendUint32(buf, flatMagic)
	buf = binary.LittleEndian.AppendUint32(buf, flatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(f.dim))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.rows)))
	for _, row := range f.rows {
		for _, v := range row {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return packet.WriteAtomic(path, buf)
}

// LoadFlatIP reads a dense index file.
func LoadFlatIP(path string) (*FlatIP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 16 {
		return nil, fmt.Errorf("dense index truncated: %d bytes", len(data))
	}
	if binary.LittleEndian.Uint32(data) != flatMagic {
		return nil, fmt.Errorf("dense index has bad magic")
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != flatVersion {
		return nil, fmt.Errorf("unsupported dense index version %d", v)
	}
	dim := int(binary.LittleEndian.Uint32(data[8:]))
	count := int(binary.LittleEndian.Uint32(data[12:]))
	if dim <= 0 {
		return nil, fmt.Errorf("dense index has invalid dim %d", dim)
	}
	want := 16 + count*dim*4
	if len(data) != want {
		return nil, fmt.Errorf("dense index size %d, want %d", len(data), want)
	}

	f := &FlatIP{dim: dim, rows: make([][]float32, count)}
	off := 16
	for i := 0; i < count; i++ {
		row := make([]float32, dim)
		for j := 0; j < dim; j++ {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		f.rows[i] = row
	}
	return f, nil
}
