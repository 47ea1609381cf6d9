// Package workspace manages the cpm workspace layout:
//
//	packages/<name>/<version>/   installed packets
//	cache/objects/<xx>/<rest>    CAS entries
//	cache/embed/<model>/...      workspace embedding cache
//	state/locks/<packet>/<ts>    lock snapshots
//	state/replay/query-<ts>      replay logs
//	policy.yml                   policy document
//	config/embeddings.yml        embedder configuration
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workspace is a rooted cpm workspace.
type Workspace struct {
	Root string
}

// New opens a workspace rooted at dir.
func New(dir string) *Workspace {
	return &Workspace{Root: dir}
}

// PackagesDir is where installed packets live.
func (w *Workspace) PackagesDir() string { return filepath.Join(w.Root, "packages") }

// PackageDir is one installed packet version.
func (w *Workspace) PackageDir(name, version string) string {
	return filepath.Join(w.PackagesDir(), name, version)
}

// MetricsPath is the telemetry database location.
func (w *Workspace) MetricsPath() string {
	return filepath.Join(w.Root, "state", "metrics.db")
}

// EmbeddingsConfig is config/embeddings.yml.
type EmbeddingsConfig struct {
	// URL is the embedder endpoint.
	URL string `yaml:"url"`
	// Model is the embedding model identifier.
	Model string `yaml:"model"`
	// MaxSeqLength is forwarded per request.
	MaxSeqLength int `yaml:"max_seq_length"`
	// BatchSize bounds texts per request.
	BatchSize int `yaml:"batch_size"`
	// CacheQuotaBytes bounds the workspace embedding cache.
	CacheQuotaBytes int64 `yaml:"cache_quota_bytes"`
}

// DefaultEmbeddingsConfig matches a local embedding server.
func DefaultEmbeddingsConfig() EmbeddingsConfig {
	return EmbeddingsConfig{
		URL:             "http://127.0.0.1:8876",
		Model:           "jinaai/jina-embeddings-v2-base-code",
		MaxSeqLength:    1024,
		BatchSize:       32,
		CacheQuotaBytes: 512 << 20,
	}
}

// LoadEmbeddingsConfig reads config/embeddings.yml, with defaults for a
// missing file and missing fields.
func (w *Workspace) LoadEmbeddingsConfig() (EmbeddingsConfig, error) {
	cfg := DefaultEmbeddingsConfig()
	data, err := os.ReadFile(filepath.Join(w.Root, "config", "embeddings.yml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse embeddings.yml: %w", err)
	}
	defaults := DefaultEmbeddingsConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	return cfg, nil
}

// Versions lists the installed versions of a packet, semver-ordered
// oldest first.
func (w *Workspace) Versions(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.PackagesDir(), name))
	if err != nil {
		return nil, err
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool { return compareVersions(versions[i], versions[j]) < 0 })
	return versions, nil
}

// ResolveVersion picks an explicit version or the newest installed one.
func (w *Workspace) ResolveVersion(name, explicit string) (string, error) {
	versions, err := w.Versions(name)
	if err != nil || len(versions) == 0 {
		return "", fmt.Errorf("packet %s is not installed", name)
	}
	if explicit == "" {
		return versions[len(versions)-1], nil
	}
	for _, v := range versions {
		if v == explicit {
			return v, nil
		}
	}
	return "", fmt.Errorf("packet %s@%s is not installed", name, explicit)
}

// ResolvePacketArg maps a CLI packet argument to a packet directory:
// an existing path wins, then "name" or "name@version" in packages/.
func (w *Workspace) ResolvePacketArg(arg string) (string, error) {
	candidate := strings.TrimPrefix(arg, "dir://")
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate, nil
	}

	name, explicit := arg, ""
	if idx := strings.Index(arg, "@"); idx >= 0 {
		name, explicit = arg[:idx], arg[idx+1:]
	}
	version, err := w.ResolveVersion(name, explicit)
	if err != nil {
		return "", err
	}
	return w.PackageDir(name, version), nil
}

// compareVersions orders dotted numeric versions; non-numeric segments
// compare lexically.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				return an - bn
			}
		default:
			if av != bv {
				return strings.Compare(av, bv)
			}
		}
	}
	return 0
}
