package query

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/index"
	"github.com/cpmkit/cpm/internal/packet"
)

// loadedPacket holds a packet's retrieval artifacts in memory.
type loadedPacket struct {
	dir      string
	manifest *packet.Manifest
	chunks   []packet.Chunk
	dense    *index.FlatIP
	sparse   *index.BM25 // nil when the packet has no sparse index
}

// loadPacket reads docs, the dense index, and the optional sparse index.
// A missing dense index file is reconstructed from the vector matrix with
// a warning, so older packets stay queryable.
func loadPacket(dir string, warnings *[]string) (*loadedPacket, error) {
	manifest, err := packet.LoadManifest(filepath.Join(dir, packet.FileManifest))
	if err != nil {
		return nil, cpmerrors.IO("load packet manifest", err)
	}
	chunks, err := packet.ReadDocsJSONL(filepath.Join(dir, packet.FileDocs))
	if err != nil {
		return nil, cpmerrors.IO("load packet docs", err)
	}

	lp := &loadedPacket{dir: dir, manifest: manifest, chunks: chunks}

	densePath := filepath.Join(dir, filepath.FromSlash(packet.FileDenseIdx))
	lp.dense, err = index.LoadFlatIP(densePath)
	if err != nil {
		*warnings = append(*warnings, "dense_index_missing_rebuilt_from_vectors")
		vectors, verr := packet.ReadVectorsF16(filepath.Join(dir, packet.FileVectors), manifest.Embedding.Dim)
		if verr != nil {
			return nil, cpmerrors.New(cpmerrors.ErrCodeCorruptIndex,
				"packet has neither dense index nor readable vectors", verr)
		}
		lp.dense, verr = index.NewFlatIP(manifest.Embedding.Dim)
		if verr != nil {
			return nil, cpmerrors.Wrap(cpmerrors.ErrCodeCorruptIndex, verr)
		}
		if verr := lp.dense.Add(vectors); verr != nil {
			return nil, cpmerrors.Wrap(cpmerrors.ErrCodeCorruptIndex, verr)
		}
	}

	if lp.dense.Count() != len(chunks) {
		return nil, cpmerrors.New(cpmerrors.ErrCodeCorruptIndex,
			fmt.Sprintf("packet has %d chunks but %d vectors", len(chunks), lp.dense.Count()), nil)
	}
	if lp.dense.Dim() != manifest.Embedding.Dim {
		return nil, cpmerrors.New(cpmerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("index dim %d does not match manifest dim %d", lp.dense.Dim(), manifest.Embedding.Dim), nil)
	}

	sparsePath := filepath.Join(dir, packet.FileSparseIdx)
	if _, err := os.Stat(sparsePath); err == nil {
		sparse, err := index.LoadBM25(sparsePath)
		if err != nil {
			*warnings = append(*warnings, "sparse_index_invalid_ignored")
		} else {
			lp.sparse = sparse
		}
	}
	return lp, nil
}

// retrieve runs the selected indexer at top-kPrime and fuses. Missing
// artifacts fall back to flat-ip with a warning, never silently.
func (lp *loadedPacket) retrieve(queryVec []float32, queryText, indexer string, k int, warnings *[]string) ([]Hit, string, error) {
	kPrime := k * 4
	if kPrime < 50 {
		kPrime = 50
	}

	switch indexer {
	case IndexerBM25:
		if lp.sparse == nil {
			*warnings = append(*warnings, "sparse_index_missing_fallback_flatip")
			hits, err := lp.denseHits(queryVec, kPrime)
			return hits, IndexerFlatIP, err
		}
		return lp.sparseHits(queryText, kPrime), IndexerBM25, nil

	case IndexerHybridRRF:
		if lp.sparse == nil {
			*warnings = append(*warnings, "sparse_index_missing_fallback_flatip")
			hits, err := lp.denseHits(queryVec, kPrime)
			return hits, IndexerFlatIP, err
		}
		dense, err := lp.denseHits(queryVec, kPrime)
		if err != nil {
			return nil, "", err
		}
		sparse := lp.sparseHits(queryText, kPrime)
		return lp.fuseRRF(dense, sparse), IndexerHybridRRF, nil

	case IndexerDenseHNSW:
		h, err := index.NewHNSWIndex(lp.dense)
		if err != nil {
			*warnings = append(*warnings, "hnsw_unavailable_fallback_flatip")
			hits, ferr := lp.denseHits(queryVec, kPrime)
			return hits, IndexerFlatIP, ferr
		}
		raw, err := h.Search(queryVec, kPrime)
		if err != nil {
			return nil, "", cpmerrors.Wrap(cpmerrors.ErrCodeIndexFailed, err)
		}
		return lp.toHits(raw), IndexerDenseHNSW, nil

	case IndexerFlatIP, "":
		hits, err := lp.denseHits(queryVec, kPrime)
		return hits, IndexerFlatIP, err

	default:
		*warnings = append(*warnings, "unknown_indexer_fallback_flatip:"+indexer)
		hits, err := lp.denseHits(queryVec, kPrime)
		return hits, IndexerFlatIP, err
	}
}

func (lp *loadedPacket) denseHits(queryVec []float32, k int) ([]Hit, error) {
	raw, err := lp.dense.Search(queryVec, k)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeIndexFailed, err)
	}
	return lp.toHits(raw), nil
}

func (lp *loadedPacket) sparseHits(queryText string, k int) []Hit {
	return lp.toHits(lp.sparse.Search(queryText, k))
}

func (lp *loadedPacket) toHits(raw []index.Hit) []Hit {
	hits := make([]Hit, 0, len(raw))
	for _, h := range raw {
		if h.Ord < 0 || h.Ord >= len(lp.chunks) {
			continue
		}
		c := lp.chunks[h.Ord]
		hits = append(hits, Hit{
			ID:       c.ID,
			Ord:      h.Ord,
			Text:     c.Text,
			Score:    float64(h.Score),
			Metadata: c.Metadata,
		})
	}
	return hits
}

// fuseRRF merges dense and sparse rankings by reciprocal-rank fusion:
// score(d) = sum 1/(c + rank_i(d)), c = 60. Ties break by descending
// dense score, then by chunk id.
func (lp *loadedPacket) fuseRRF(dense, sparse []Hit) []Hit {
	type fused struct {
		hit        Hit
		rrf        float64
		denseScore float64
	}
	byOrd := make(map[int]*fused, len(dense)+len(sparse))

	for rank, h := range dense {
		f := &fused{hit: h, denseScore: h.Score}
		f.rrf += 1.0 / float64(RRFConstant+rank+1)
		byOrd[h.Ord] = f
	}
	for rank, h := range sparse {
		f, ok := byOrd[h.Ord]
		if !ok {
			f = &fused{hit: h}
			byOrd[h.Ord] = f
		}
		f.rrf += 1.0 / float64(RRFConstant+rank+1)
	}

	out := make([]*fused, 0, len(byOrd))
	for _, f := range byOrd {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rrf != out[j].rrf {
			return out[i].rrf > out[j].rrf
		}
		if out[i].denseScore != out[j].denseScore {
			return out[i].denseScore > out[j].denseScore
		}
		return out[i].hit.ID < out[j].hit.ID
	})

	hits := make([]Hit, len(out))
	for i, f := range out {
		h := f.hit
		h.Score = f.rrf
		hits[i] = h
	}
	return hits
}
