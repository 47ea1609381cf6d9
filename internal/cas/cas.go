// Package cas implements the digest-keyed local object cache backing
// source fetches. Entries live under
// <workspace>/cache/objects/<2-hex-prefix>/<rest> and are immutable once
// written; eviction is strict LRU over access times with a byte quota.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/cpmkit/cpm/internal/packet"
)

var digestPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// Cache is a content-addressed store keyed by "sha256:<hex>" digests.
type Cache struct {
	root       string
	quotaBytes int64

	mu     sync.Mutex
	pinned map[string]int // digests referenced by active fetches
}

// New opens (and creates) the object cache under workspaceRoot.
// quotaBytes of 0 disables eviction.
func New(workspaceRoot string, quotaBytes int64) (*Cache, error) {
	root := filepath.Join(workspaceRoot, "cache", "objects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Cache{root: root, quotaBytes: quotaBytes, pinned: make(map[string]int)}, nil
}

// ValidateDigest checks the "sha256:<hex>" shape.
func ValidateDigest(digest string) error {
	if !digestPattern.MatchString(digest) {
		return fmt.Errorf("invalid digest %q", digest)
	}
	return nil
}

// Path returns the on-disk location for a digest.
func (c *Cache) Path(digest string) string {
	hex := strings.TrimPrefix(digest, "sha256:")
	return filepath.Join(c.root, hex[:2], hex[2:])
}

// Has reports whether the digest is cached.
func (c *Cache) Has(digest string) bool {
	_, err := os.Stat(c.Path(digest))
	return err == nil
}

// Put stores content under its digest. The write is idempotent and atomic:
// temp file, fsync, rename, guarded by a per-digest advisory lock. The
// content is verified against the digest before the rename; mismatches
// leave the cache untouched.
func (c *Cache) Put(digest string, r io.Reader) error {
	if err := ValidateDigest(digest); err != nil {
		return err
	}
	target := c.Path(digest)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	lock := flock.New(target + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock cas entry: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(target + ".lock")
	}()

	if _, err := os.Stat(target); err == nil {
		// Entries are immutable; an existing entry already holds these bytes.
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		cleanup()
		return err
	}
	if got := "sha256:" + hex.EncodeToString(h.Sum(nil)); got != digest {
		cleanup()
		return fmt.Errorf("content digest %s does not match key %s", got, digest)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// PutBytes is Put over an in-memory payload.
func (c *Cache) PutBytes(digest string, data []byte) error {
	return c.Put(digest, strings.NewReader(string(data)))
}

// Get opens a cached entry for reading, or returns os.ErrNotExist.
// The entry's access time is refreshed for LRU ordering.
func (c *Cache) Get(digest string) (io.ReadCloser, error) {
	if err := ValidateDigest(digest); err != nil {
		return nil, err
	}
	path := c.Path(digest)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return f, nil
}

// GetBytes reads a cached entry fully.
func (c *Cache) GetBytes(digest string) ([]byte, error) {
	r, err := c.Get(digest)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Pin marks a digest as referenced by an active fetch; pinned entries
// survive eviction. Unpin releases the reference.
func (c *Cache) Pin(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[digest]++
}

// Unpin releases a Pin reference.
func (c *Cache) Unpin(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned[digest] > 1 {
		c.pinned[digest]--
	} else {
		delete(c.pinned, digest)
	}
}

// Evict enforces the byte quota, removing least-recently-accessed entries
// first. Pinned entries are never removed.
func (c *Cache) Evict() error {
	if c.quotaBytes <= 0 {
		return nil
	}

	c.mu.Lock()
	pinned := make(map[string]struct{}, len(c.pinned))
	for d := range c.pinned {
		pinned[d] = struct{}{}
	}
	c.mu.Unlock()

	type entry struct {
		digest string
		path   string
		size   int64
		atime  time.Time
	}
	var entries []entry
	var total int64

	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, ".lock") {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return nil
		}
		parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
		if len(parts) != 2 {
			return nil
		}
		entries = append(entries, entry{
			digest: "sha256:" + parts[0] + parts[1],
			path:   path,
			size:   info.Size(),
			atime:  info.ModTime(),
		})
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
		if _, isPinned := pinned[e.digest]; isPinned {
			continue
		}
		if err := os.Remove(e.path); err != nil {
			slog.Warn("cas_evict_failed", slog.String("path", e.path), slog.String("error", err.Error()))
			continue
		}
		total -= e.size
	}
	return nil
}

// DigestBytes computes the cache key for a payload.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DigestFile computes the cache key for a file's contents.
func DigestFile(path string) (string, error) {
	sum, err := packet.SHA256File(path)
	if err != nil {
		return "", err
	}
	return "sha256:" + sum, nil
}
