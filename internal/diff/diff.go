// Package diff compares two packet versions chunk-by-chunk and estimates
// semantic drift from their embedding vectors.
package diff

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/packet"
)

// Report is the outcome of a packet diff.
type Report struct {
	Left  string `json:"left"`
	Right string `json:"right"`

	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`

	// DriftScore is the mean cosine distance over changed chunk pairs;
	// nil when no pair has comparable vectors.
	DriftScore *float64 `json:"drift_score"`

	// Sections breaks drift down by path prefix.
	Sections []SectionDrift `json:"sections,omitempty"`
}

// SectionDrift is the per-section drift breakdown.
type SectionDrift struct {
	Section string  `json:"section"`
	Changed int     `json:"changed"`
	Drift   float64 `json:"drift"`
}

// Run diffs two packet directories: chunks pair by id and classify as
// added, removed, or changed (content hash differs); each changed pair
// contributes its vector cosine distance to the drift score.
func Run(leftDir, rightDir string) (*Report, error) {
	left, err := loadSide(leftDir)
	if err != nil {
		return nil, cpmerrors.IO("load left packet", err)
	}
	right, err := loadSide(rightDir)
	if err != nil {
		return nil, cpmerrors.IO("load right packet", err)
	}

	report := &Report{Left: leftDir, Right: rightDir}

	for id := range right.byID {
		if _, ok := left.byID[id]; !ok {
			report.Added = append(report.Added, id)
		}
	}
	for id := range left.byID {
		if _, ok := right.byID[id]; !ok {
			report.Removed = append(report.Removed, id)
		}
	}

	type pairDrift struct {
		id       string
		section  string
		distance float64
		hasVec   bool
	}
	var pairs []pairDrift
	for id, l := range left.byID {
		r, ok := right.byID[id]
		if !ok || l.chunk.Hash == r.chunk.Hash {
			continue
		}
		p := pairDrift{id: id, section: sectionOf(l.chunk)}
		lv, rv := left.vector(l.ord), right.vector(r.ord)
		if lv != nil && rv != nil {
			p.distance = 1 - cosine(lv, rv)
			p.hasVec = true
		}
		pairs = append(pairs, p)
		report.Changed = append(report.Changed, id)
	}

	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	sort.Strings(report.Changed)

	var total float64
	counted := 0
	bySection := make(map[string]*SectionDrift)
	for _, p := range pairs {
		if !p.hasVec {
			continue
		}
		total += p.distance
		counted++
		s, ok := bySection[p.section]
		if !ok {
			s = &SectionDrift{Section: p.section}
			bySection[p.section] = s
		}
		s.Changed++
		s.Drift += p.distance
	}
	if counted > 0 {
		drift := total / float64(counted)
		report.DriftScore = &drift
	}

	sections := make([]string, 0, len(bySection))
	for name := range bySection {
		sections = append(sections, name)
	}
	sort.Strings(sections)
	for _, name := range sections {
		s := bySection[name]
		s.Drift /= float64(s.Changed)
		report.Sections = append(report.Sections, *s)
	}
	return report, nil
}

// CheckMaxDrift returns a typed error when the drift score exceeds the
// threshold.
func (r *Report) CheckMaxDrift(max float64) error {
	if r.DriftScore != nil && *r.DriftScore > max {
		return cpmerrors.New(cpmerrors.ErrCodeBudgetExceeded,
			fmt.Sprintf("drift score %.4f exceeds threshold %.4f", *r.DriftScore, max), nil)
	}
	return nil
}

type sideChunk struct {
	chunk packet.Chunk
	ord   int
}

type side struct {
	byID    map[string]sideChunk
	vectors [][]float32
}

func loadSide(dir string) (*side, error) {
	chunks, err := packet.ReadDocsJSONL(filepath.Join(dir, packet.FileDocs))
	if err != nil {
		return nil, err
	}
	s := &side{byID: make(map[string]sideChunk, len(chunks))}
	for i, c := range chunks {
		if c.Hash == "" {
			c.Hash = packet.HashText(c.Text)
		}
		s.byID[c.ID] = sideChunk{chunk: c, ord: i}
	}

	if manifest, err := packet.LoadManifest(filepath.Join(dir, packet.FileManifest)); err == nil && manifest.Embedding.Dim > 0 {
		if vectors, err := packet.ReadVectorsF16(filepath.Join(dir, packet.FileVectors), manifest.Embedding.Dim); err == nil && len(vectors) == len(chunks) {
			s.vectors = vectors
		}
	}
	return s, nil
}

func (s *side) vector(ord int) []float32 {
	if s.vectors == nil || ord < 0 || ord >= len(s.vectors) {
		return nil
	}
	return s.vectors[ord]
}

func sectionOf(c packet.Chunk) string {
	path := c.Metadata["path"]
	if path == "" {
		path = c.ID
	}
	if idx := strings.LastIndex(path, "/"); idx > 0 {
		return path[:idx]
	}
	return "."
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
