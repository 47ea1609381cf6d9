package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// StubEmbedder produces deterministic pseudo-embeddings derived from the
// text hash. It backs tests and offline builds; two equal texts always map
// to the same unit vector.
type StubEmbedder struct {
	model string
	dims  int
}

var _ Embedder = (*StubEmbedder)(nil)

// NewStubEmbedder creates a stub embedder with the given dimension.
func NewStubEmbedder(model string, dims int) *StubEmbedder {
	if dims <= 0 {
		dims = 4
	}
	return &StubEmbedder{model: model, dims: dims}
}

// EmbedBatch derives one unit vector per text from sha256(model || text).
func (s *StubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = s.vector(text)
	}
	return out, nil
}

func (s *StubEmbedder) vector(text string) []float32 {
	seed := sha256.Sum256([]byte(s.model + "\x00" + text))
	v := make([]float32, s.dims)
	for i := range v {
		// Stretch the digest by rehashing per block of 8 dims.
		block := i / 8
		if block > 0 && i%8 == 0 {
			seed = sha256.Sum256(seed[:])
		}
		bits := binary.LittleEndian.Uint32(seed[(i%8)*4:])
		v[i] = float32(int32(bits))/float32(1<<31)
	}
	return NormalizeVector(v)
}

func (s *StubEmbedder) Dimensions() int                  { return s.dims }
func (s *StubEmbedder) ModelName() string                { return s.model }
func (s *StubEmbedder) Available(context.Context) bool   { return true }
func (s *StubEmbedder) Close() error                     { return nil }
