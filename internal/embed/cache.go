package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cpmkit/cpm/internal/packet"
)

// WorkspaceCache persists individual chunk vectors across packets under
// <workspace>/cache/embed/<model>/<2hex>/<hash>.vec. Lookup keys bind the
// model name, so vectors never leak between models. An in-memory LRU layer
// fronts the disk files.
type WorkspaceCache struct {
	root  string
	model string
	hot   *lru.Cache[string, []float32]

	// quotaBytes bounds the on-disk size for this model; 0 disables
	// eviction.
	quotaBytes int64
}

// DefaultHotEntries sizes the in-memory LRU layer.
const DefaultHotEntries = 4096

// NewWorkspaceCache opens (and creates) the cache directory for a model.
func NewWorkspaceCache(workspaceRoot, model string, quotaBytes int64) (*WorkspaceCache, error) {
	hot, err := lru.New[string, []float32](DefaultHotEntries)
	if err != nil {
		return nil, err
	}
	c := &WorkspaceCache{
		root:       filepath.Join(workspaceRoot, "cache", "embed", sanitizeModel(model)),
		model:      model,
		hot:        hot,
		quotaBytes: quotaBytes,
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return nil, err
	}
	return c, nil
}

// Key computes the cache key for a chunk text:
// sha256(model || "\x00" || normalized_text).
func (c *WorkspaceCache) Key(text string) string {
	h := sha256.New()
	h.Write([]byte(c.model))
	h.Write([]byte{0})
	h.Write([]byte(packet.NormalizeText(text)))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached vector for a text, or nil if absent.
func (c *WorkspaceCache) Get(text string) []float32 {
	key := c.Key(text)
	if v, ok := c.hot.Get(key); ok {
		return v
	}
	path := c.pathFor(key)
	data, err := os.ReadFile(path)
	if err != nil || len(data)%4 != 0 || len(data) == 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	// Touch for LRU eviction ordering.
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	c.hot.Add(key, v)
	return v
}

// Put stores a vector under the text's key. Writes take a per-key file
// lock so concurrent builders do not interleave.
func (c *WorkspaceCache) Put(text string, vector []float32) error {
	key := c.Key(text)
	path := c.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock cache entry: %w", err)
	}
	if !locked {
		// Another builder is writing the same vector; it will produce the
		// identical bytes, so skip.
		return nil
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(path + ".lock")
	}()

	buf := make([]byte, 0, len(vector)*4)
	for _, v := range vector {
		buf = binary.LittleEndian.AppendUint32(buf, float32bits(v))
	}
	if err := packet.WriteAtomic(path, buf); err != nil {
		return err
	}
	c.hot.Add(key, vector)
	return nil
}

// Evict enforces the byte quota by removing least-recently-used entries
// (by file mtime, refreshed on Get).
func (c *WorkspaceCache) Evict() error {
	if c.quotaBytes <= 0 {
		return nil
	}

	type entry struct {
		path  string
		size  int64
		atime time.Time
	}
	var entries []entry
	var total int64

	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".vec") {
			return nil
		}
		entries = append(entries, entry{path: path, size: info.Size(), atime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return err
	}
	if total <= c.quotaBytes {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].atime.Before(entries[j].atime) })
	for _, e := range entries {
		if total <= c.quotaBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			slog.Warn("embed_cache_evict_failed", slog.String("path", e.path), slog.String("error", err.Error()))
			continue
		}
		total -= e.size
	}
	return nil
}

func (c *WorkspaceCache) pathFor(key string) string {
	return filepath.Join(c.root, key[:2], key+".vec")
}

// sanitizeModel maps a model name to a filesystem-safe directory name.
func sanitizeModel(model string) string {
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return r.Replace(model)
}

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }
