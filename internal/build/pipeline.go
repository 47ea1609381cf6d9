// Package build implements the packet build pipeline: scan, chunk, embed
// with incremental cache reuse, index, and atomic artifact writes.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cpmkit/cpm/internal/cas"
	"github.com/cpmkit/cpm/internal/chunk"
	"github.com/cpmkit/cpm/internal/embed"
	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/index"
	"github.com/cpmkit/cpm/internal/lockfile"
	"github.com/cpmkit/cpm/internal/oci"
	"github.com/cpmkit/cpm/internal/packet"
)

// Options configure one packet build.
type Options struct {
	// Source is the input directory.
	Source string
	// Dest is the packet output directory.
	Dest string
	// PacketName and Version identify the packet.
	PacketName string
	Version    string
	// Description is free text for cpm.yml.
	Description string
	// Chunking configures the router.
	Chunking chunk.Config
	// MaxSeqLength is recorded in the manifest embedding spec.
	MaxSeqLength int
	// Hybrid also builds the BM25 sparse index.
	Hybrid bool
	// Archive is "", "tar.gz", or "zip".
	Archive string
	// Workers bounds the embed worker pool (default 8).
	Workers int
	// BatchSize bounds texts per embedder call.
	BatchSize int
	// WorkspaceCache optionally persists vectors across packets.
	WorkspaceCache *embed.WorkspaceCache
	// SnapshotRoot, when set, writes a lock snapshot under
	// <SnapshotRoot>/state/locks/<packet>/ for time-travel.
	SnapshotRoot string
	// Now supplies the build timestamp (defaults to time.Now).
	Now func() time.Time
}

// Stats reports incremental cache behavior for one build.
type Stats struct {
	FilesScanned int
	NewChunks    int
	Reused       int
	Embedded     int
	Removed      int
	SkippedFiles int
}

// Result is the outcome of a successful build.
type Result struct {
	PacketDir string
	Manifest  *packet.Manifest
	Lock      *lockfile.Lock
	Stats     Stats
}

// Run executes the build pipeline. Per-file chunking errors skip the file
// and continue; embedder failure after retries aborts before any artifact
// rename.
func Run(ctx context.Context, embedder embed.Embedder, opts Options) (*Result, error) {
	if opts.Source == "" || opts.Dest == "" {
		return nil, cpmerrors.Usage("build requires source and destination")
	}
	if opts.PacketName == "" {
		opts.PacketName = filepath.Base(opts.Dest)
	}
	if opts.Version == "" {
		opts.Version = "0.0.0"
	}
	if opts.Workers <= 0 {
		opts.Workers = embed.DefaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(opts.Dest, 0o755); err != nil {
		return nil, cpmerrors.IO("create destination", err)
	}

	// One builder per destination: advisory lock, held for the whole run.
	buildLock := flock.New(filepath.Join(opts.Dest, ".build.lock"))
	locked, err := buildLock.TryLock()
	if err != nil {
		return nil, cpmerrors.IO("acquire build lock", err)
	}
	if !locked {
		return nil, cpmerrors.New(cpmerrors.ErrCodeBuildLockHeld,
			fmt.Sprintf("another build is running against %s", opts.Dest), nil)
	}
	defer func() { _ = buildLock.Unlock() }()

	// 1. Scan.
	files, err := Scan(opts.Source)
	if err != nil {
		return nil, cpmerrors.IO("scan source", err)
	}
	slog.Info("build_scan", slog.Int("files", len(files)))

	// 2. Chunk, CPU-parallel over files, order restored afterwards.
	chunks, extCounts, skipped := chunkFiles(ctx, files, opts.Chunking)
	if len(chunks) == 0 {
		return nil, cpmerrors.New(cpmerrors.ErrCodeChunkingFailed, "no chunks produced from source", nil)
	}

	// 3. Per-packet incremental cache.
	cache := loadPacketCache(opts.Dest, embedder.ModelName(), opts.MaxSeqLength)

	// 4. Partition reused / to-embed / removed.
	newHashes := make([]string, len(chunks))
	newSet := make(map[string]struct{}, len(chunks))
	for i, c := range chunks {
		newHashes[i] = c.Hash
		newSet[c.Hash] = struct{}{}
	}
	var toEmbedIdx []int
	reused := 0
	for i, h := range newHashes {
		if v := cache.lookup(h, opts.WorkspaceCache, chunks[i].Text); v != nil {
			reused++
			if cache.dim == 0 {
				cache.dim = len(v)
			}
		} else {
			toEmbedIdx = append(toEmbedIdx, i)
		}
	}
	removed := 0
	for h := range cache.vectors {
		if _, ok := newSet[h]; !ok {
			removed++
		}
	}
	slog.Info("build_cache",
		slog.Int("new_chunks", len(chunks)),
		slog.Int("reused", reused),
		slog.Int("to_embed", len(toEmbedIdx)),
		slog.Int("removed", removed))

	// 5. Embed missing chunks in bounded batches.
	embedded, dim, err := embedMissing(ctx, embedder, chunks, toEmbedIdx, cache.dim, opts)
	if err != nil {
		return nil, err
	}
	if cache.dim != 0 && dim != 0 && cache.dim != dim {
		// Dimension drift invalidates every cached row.
		slog.Warn("build_cache_dim_mismatch", slog.Int("cache", cache.dim), slog.Int("new", dim))
		cache.vectors = nil
		toEmbedIdx = allIndices(len(chunks))
		reused = 0
		embedded, dim, err = embedMissing(ctx, embedder, chunks, toEmbedIdx, dim, opts)
		if err != nil {
			return nil, err
		}
	}
	if dim == 0 {
		dim = cache.dim
	}
	if dim == 0 {
		return nil, cpmerrors.Embedder("could not determine embedding dimension", nil)
	}

	// 6. Assemble the matrix in chunk order.
	matrix := make([][]float32, len(chunks))
	for i, h := range newHashes {
		if v := cache.lookup(h, opts.WorkspaceCache, chunks[i].Text); v != nil {
			matrix[i] = v
		}
	}
	for j, i := range toEmbedIdx {
		matrix[i] = embedded[j]
	}
	for i, row := range matrix {
		if len(row) != dim {
			return nil, cpmerrors.Embedder(
				fmt.Sprintf("vector row %d has dim %d, want %d", i, len(row), dim), nil)
		}
	}

	// 7-9. Index and write artifacts.
	result, err := writeArtifacts(chunks, matrix, dim, extCounts, opts, embedder.ModelName(), files, Stats{
		FilesScanned: len(files),
		NewChunks:    len(chunks),
		Reused:       reused,
		Embedded:     len(toEmbedIdx),
		Removed:      removed,
		SkippedFiles: skipped,
	}, cache.enabled)
	if err != nil {
		return nil, err
	}

	// Persist new vectors into the workspace cache for future packets.
	if opts.WorkspaceCache != nil {
		for j, i := range toEmbedIdx {
			if err := opts.WorkspaceCache.Put(chunks[i].Text, embedded[j]); err != nil {
				slog.Warn("workspace_cache_put_failed", slog.String("error", err.Error()))
				break
			}
		}
		if err := opts.WorkspaceCache.Evict(); err != nil {
			slog.Warn("workspace_cache_evict_failed", slog.String("error", err.Error()))
		}
	}

	if opts.SnapshotRoot != "" {
		if err := snapshotBuild(result, opts); err != nil {
			slog.Warn("lock_snapshot_failed", slog.String("error", err.Error()))
		}
	}

	// 10. Optional archive.
	if opts.Archive != "" {
		archivePath, err := archivePacket(opts.Dest, opts.Archive)
		if err != nil {
			return nil, err
		}
		slog.Info("build_archive", slog.String("path", archivePath))
	}
	return result, nil
}

// chunkFiles runs the router over files with bounded CPU parallelism and
// returns chunks in scan order. A file whose chunking fails entirely is
// logged and skipped; the build continues.
func chunkFiles(ctx context.Context, files []ScannedFile, cfg chunk.Config) ([]packet.Chunk, map[string]int, int) {
	router := chunk.NewRouter()
	perFile := make([][]packet.Chunk, len(files))
	var skipped int
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range files {
		i := i
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			f := files[i]
			chunks, _, err := router.Chunk(f.Text, f.RelPath, f.Ext, cfg)
			if err != nil {
				mu.Lock()
				skipped++
				mu.Unlock()
				slog.Warn("chunking_skipped_file",
					slog.String("path", f.RelPath),
					slog.String("error", err.Error()))
				return nil
			}
			perFile[i] = chunks
			return nil
		})
	}
	_ = g.Wait()

	extCounts := make(map[string]int)
	var all []packet.Chunk
	for i, chunks := range perFile {
		if len(chunks) > 0 {
			extCounts[files[i].Ext]++
		}
		all = append(all, chunks...)
	}
	return all, extCounts, skipped
}

// packetCache is the per-packet incremental cache: content hash -> vector
// row from the previous build in the same destination.
type packetCache struct {
	enabled bool
	dim     int
	vectors map[string][]float32
}

// lookup checks the per-packet cache first, then the workspace cache.
func (c *packetCache) lookup(hash string, ws *embed.WorkspaceCache, text string) []float32 {
	if v, ok := c.vectors[hash]; ok {
		return v
	}
	if ws != nil {
		if v := ws.Get(text); v != nil {
			if c.dim == 0 || len(v) == c.dim {
				return v
			}
		}
	}
	return nil
}

// loadPacketCache reads a prior build's artifacts from the destination if
// the embedding model and sequence length match the current config.
func loadPacketCache(dest, model string, maxSeqLength int) *packetCache {
	cache := &packetCache{}

	manifest, err := packet.LoadManifest(filepath.Join(dest, packet.FileManifest))
	if err != nil {
		return cache
	}
	if manifest.Embedding.Model != model {
		return cache
	}
	if manifest.Embedding.MaxSeqLength != 0 && maxSeqLength != 0 &&
		manifest.Embedding.MaxSeqLength != maxSeqLength {
		return cache
	}

	chunks, err := packet.ReadDocsJSONL(filepath.Join(dest, packet.FileDocs))
	if err != nil || len(chunks) == 0 {
		return cache
	}
	vectors, err := packet.ReadVectorsF16(filepath.Join(dest, packet.FileVectors), manifest.Embedding.Dim)
	if err != nil || len(vectors) != len(chunks) {
		return cache
	}

	cache.enabled = true
	cache.dim = manifest.Embedding.Dim
	cache.vectors = make(map[string][]float32, len(chunks))
	for i, c := range chunks {
		if c.Hash == "" {
			continue
		}
		if _, dup := cache.vectors[c.Hash]; dup {
			continue
		}
		cache.vectors[c.Hash] = vectors[i]
	}
	return cache
}

// embedMissing calls the embedder for the chunks at toEmbedIdx using a
// bounded worker pool over batches. Results are returned in toEmbedIdx
// order. Any failure is fatal to the build.
func embedMissing(ctx context.Context, embedder embed.Embedder, chunks []packet.Chunk, toEmbedIdx []int, knownDim int, opts Options) ([][]float32, int, error) {
	if len(toEmbedIdx) == 0 {
		return nil, knownDim, nil
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = embed.DefaultBatchSize
	}

	type batch struct {
		start int // offset into toEmbedIdx
		texts []string
	}
	var batches []batch
	for start := 0; start < len(toEmbedIdx); start += batchSize {
		end := start + batchSize
		if end > len(toEmbedIdx) {
			end = len(toEmbedIdx)
		}
		texts := make([]string, 0, end-start)
		for _, i := range toEmbedIdx[start:end] {
			texts = append(texts, chunks[i].Text)
		}
		batches = append(batches, batch{start: start, texts: texts})
	}

	out := make([][]float32, len(toEmbedIdx))
	sem := semaphore.NewWeighted(int64(opts.Workers))
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		b := b
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			rows, err := embedder.EmbedBatch(gctx, b.texts)
			if err != nil {
				return err
			}
			if len(rows) != len(b.texts) {
				return cpmerrors.Embedder(
					fmt.Sprintf("embedder returned %d rows for %d texts", len(rows), len(b.texts)), nil)
			}
			copy(out[b.start:], rows)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cpmerrors.GetCode(err) == "" {
			err = cpmerrors.Embedder("embedding failed", err)
		}
		return nil, 0, err
	}

	dim := knownDim
	for _, row := range out {
		if dim == 0 {
			dim = len(row)
		}
	}
	return out, dim, nil
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// writeArtifacts builds the indexes and writes every artifact atomically:
// docs.jsonl, vectors.f16.bin, faiss/index.faiss, optional bm25.bin,
// manifest.json, cpm.yml, cpm-lock.json.
func writeArtifacts(chunks []packet.Chunk, matrix [][]float32, dim int, extCounts map[string]int, opts Options, model string, files []ScannedFile, stats Stats, cacheEnabled bool) (*Result, error) {
	dest := opts.Dest

	if err := packet.WriteDocsJSONL(chunks, filepath.Join(dest, packet.FileDocs)); err != nil {
		return nil, cpmerrors.IO("write docs.jsonl", err)
	}
	if err := packet.WriteVectorsF16(matrix, filepath.Join(dest, packet.FileVectors)); err != nil {
		return nil, cpmerrors.IO("write vectors.f16.bin", err)
	}

	flat, err := index.NewFlatIP(dim)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeIndexFailed, err)
	}
	if err := flat.Add(matrix); err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeIndexFailed, err)
	}
	if err := flat.Save(filepath.Join(dest, filepath.FromSlash(packet.FileDenseIdx))); err != nil {
		return nil, cpmerrors.IO("write dense index", err)
	}

	retrievalCaps := []string{"flat-ip"}
	if opts.Hybrid {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		sparse := index.BuildBM25(texts)
		if err := sparse.Save(filepath.Join(dest, packet.FileSparseIdx)); err != nil {
			return nil, cpmerrors.IO("write sparse index", err)
		}
		retrievalCaps = append(retrievalCaps, "bm25", "hybrid-rrf")
	}

	manifest := &packet.Manifest{
		SchemaVersion: packet.SchemaVersion,
		PacketID:      opts.PacketName,
		Version:       opts.Version,
		CreatedAt:     packet.Timestamp(opts.Now()),
		Embedding: packet.EmbeddingSpec{
			Model:        model,
			Dim:          dim,
			Dtype:        "float16",
			Normalized:   true,
			MaxSeqLength: opts.MaxSeqLength,
		},
		Similarity: packet.Similarity{
			Space:     "cosine",
			IndexType: "flat-ip",
			Notes:     "cosine via inner product on normalized vectors",
		},
		Counts: packet.Counts{Docs: len(chunks), Vectors: len(matrix)},
		Incremental: packet.Incremental{
			Enabled:  cacheEnabled,
			Reused:   stats.Reused,
			Embedded: stats.Embedded,
			Removed:  stats.Removed,
		},
		Source: packet.SourceInfo{
			InputDir:     filepath.ToSlash(opts.Source),
			FileExtCount: extCounts,
		},
	}

	checksumTargets := []string{packet.FileDocs, packet.FileVectors, packet.FileDenseIdx}
	if opts.Hybrid {
		checksumTargets = append(checksumTargets, packet.FileSparseIdx)
	}
	manifest.Checksums, err = packet.ComputeChecksums(dest, checksumTargets)
	if err != nil {
		return nil, cpmerrors.IO("compute checksums", err)
	}
	if err := packet.WriteManifest(manifest, filepath.Join(dest, packet.FileManifest)); err != nil {
		return nil, cpmerrors.IO("write manifest", err)
	}

	yml := packet.NewCPMYml(manifest, description(opts), inferTags(extCounts))
	if err := packet.WriteCPMYml(yml, filepath.Join(dest, packet.FileCPMYml)); err != nil {
		return nil, cpmerrors.IO("write cpm.yml", err)
	}

	// Lockfile binds inputs -> pipeline -> outputs.
	inputs := make(map[string]string, len(files))
	for _, f := range files {
		inputs[f.RelPath] = f.SHA256
	}
	outputs, err := lockfile.CaptureOutputs(dest, append(checksumTargets, packet.FileManifest, packet.FileCPMYml))
	if err != nil {
		return nil, cpmerrors.IO("capture lock outputs", err)
	}
	lock := &lockfile.Lock{
		Inputs: inputs,
		Pipeline: lockfile.Pipeline{
			ChunkerConfig: opts.Chunking.Map(),
			EmbedModel:    model,
			RetrievalCaps: retrievalCaps,
		},
		Outputs: outputs,
	}
	if err := lock.Write(filepath.Join(dest, packet.FileLock)); err != nil {
		return nil, cpmerrors.IO("write lockfile", err)
	}

	return &Result{PacketDir: dest, Manifest: manifest, Lock: lock, Stats: stats}, nil
}

// snapshotBuild parks the packet payload in the workspace CAS and writes
// a timestamped lock snapshot pinning both the manifest digest and the
// payload digest, so time-travel can re-materialize this exact build.
func snapshotBuild(result *Result, opts Options) error {
	payload, err := oci.PackPayload(result.PacketDir)
	if err != nil {
		return err
	}
	cache, err := cas.New(opts.SnapshotRoot, 0)
	if err != nil {
		return err
	}
	payloadDigest := cas.DigestBytes(payload)
	if err := cache.PutBytes(payloadDigest, payload); err != nil {
		return err
	}
	manifestDigest, err := packet.ManifestDigest(result.PacketDir)
	if err != nil {
		return err
	}

	result.Lock.Source = &lockfile.SourcePin{
		URI:           "dir://" + filepath.ToSlash(result.PacketDir),
		Digest:        manifestDigest,
		PayloadDigest: payloadDigest,
		ResolvedAt:    packet.Timestamp(opts.Now()),
	}
	if err := result.Lock.Write(filepath.Join(result.PacketDir, packet.FileLock)); err != nil {
		return err
	}
	_, err = lockfile.WriteSnapshot(opts.SnapshotRoot, opts.PacketName, result.Lock, opts.Now())
	return err
}

func description(opts Options) string {
	if opts.Description != "" {
		return opts.Description
	}
	return filepath.ToSlash(opts.Source)
}

// inferTags derives language tags from the scanned extension counts.
func inferTags(extCounts map[string]int) []string {
	tagByExt := map[string]string{
		".py": "python", ".js": "javascript", ".jsx": "javascript",
		".ts": "typescript", ".tsx": "typescript", ".java": "java",
		".kt": "kotlin", ".go": "go", ".rs": "rust",
		".c": "c", ".h": "c", ".cpp": "cpp", ".hpp": "cpp", ".cs": "csharp",
		".md": "docs", ".markdown": "docs", ".mdx": "docs", ".rst": "docs", ".txt": "docs",
	}
	set := map[string]struct{}{"cpm": {}}
	for ext, n := range extCounts {
		if n <= 0 {
			continue
		}
		if tag, ok := tagByExt[ext]; ok {
			set[tag] = struct{}{}
		}
	}
	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
