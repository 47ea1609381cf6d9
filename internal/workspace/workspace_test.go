package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpmkit/cpm/internal/build"
	"github.com/cpmkit/cpm/internal/chunk"
	"github.com/cpmkit/cpm/internal/embed"
	"github.com/cpmkit/cpm/internal/lockfile"
	"github.com/cpmkit/cpm/internal/packet"
	"github.com/cpmkit/cpm/internal/source"
)

func buildAndFetch(t *testing.T, version string) (*source.LocalPacket, *source.PacketReference) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.md"), []byte("# A\ncontent v"+version), 0o644))

	dest := filepath.Join(t.TempDir(), "pkt")
	cfg := chunk.DefaultConfig()
	cfg.ChunkTokens = 64
	_, err := build.Run(context.Background(), embed.NewStubEmbedder("m", 4), build.Options{
		Source: src, Dest: dest, PacketName: "demo", Version: version, Chunking: cfg,
	})
	require.NoError(t, err)

	s := source.NewDirSource()
	ref, err := s.Resolve(context.Background(), dest)
	require.NoError(t, err)
	lp, err := s.Fetch(context.Background(), ref, nil)
	require.NoError(t, err)
	return lp, ref
}

func TestInstall_PlacesPacketAndWritesLock(t *testing.T) {
	w := New(t.TempDir())
	lp, ref := buildAndFetch(t, "1.0.0")

	dest, err := w.Install(lp, ref, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, w.PackageDir("demo", "1.0.0"), dest)
	assert.FileExists(t, filepath.Join(dest, packet.FileDocs))

	lock, err := lockfile.Load(filepath.Join(dest, packet.FileLock))
	require.NoError(t, err)
	require.NotNil(t, lock.Source)
	assert.Equal(t, ref.Digest, lock.Source.Digest)
	require.NoError(t, lock.Verify(dest))
}

func TestVersions_SemverOrder(t *testing.T) {
	w := New(t.TempDir())
	for _, v := range []string{"1.10.0", "1.2.0", "1.9.1"} {
		lp, ref := buildAndFetch(t, v)
		_, err := w.Install(lp, ref, time.Now())
		require.NoError(t, err)
	}

	versions, err := w.Versions("demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.0", "1.9.1", "1.10.0"}, versions)

	latest, err := w.ResolveVersion("demo", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest)
}

func TestResolvePacketArg(t *testing.T) {
	w := New(t.TempDir())
	lp, ref := buildAndFetch(t, "2.0.0")
	installed, err := w.Install(lp, ref, time.Now())
	require.NoError(t, err)

	// By name.
	dir, err := w.ResolvePacketArg("demo")
	require.NoError(t, err)
	assert.Equal(t, installed, dir)

	// By name@version.
	dir, err = w.ResolvePacketArg("demo@2.0.0")
	require.NoError(t, err)
	assert.Equal(t, installed, dir)

	// By path.
	dir, err = w.ResolvePacketArg(lp.Path)
	require.NoError(t, err)
	assert.Equal(t, lp.Path, dir)

	_, err = w.ResolvePacketArg("missing")
	assert.Error(t, err)
}

func TestUninstall(t *testing.T) {
	w := New(t.TempDir())
	lp, ref := buildAndFetch(t, "1.0.0")
	_, err := w.Install(lp, ref, time.Now())
	require.NoError(t, err)

	require.NoError(t, w.Uninstall("demo", ""))
	_, err = w.Versions("demo")
	assert.Error(t, err)
}

func TestLoadEmbeddingsConfig_Defaults(t *testing.T) {
	w := New(t.TempDir())
	cfg, err := w.LoadEmbeddingsConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.URL)
	assert.NotEmpty(t, cfg.Model)
	assert.Greater(t, cfg.BatchSize, 0)
}

func TestLoadEmbeddingsConfig_FromFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0o755))
	doc := "url: http://embed.internal:9999\nmodel: custom-model\nbatch_size: 8\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "config", "embeddings.yml"), []byte(doc), 0o644))

	cfg, err := New(root).LoadEmbeddingsConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://embed.internal:9999", cfg.URL)
	assert.Equal(t, "custom-model", cfg.Model)
	assert.Equal(t, 8, cfg.BatchSize)
}
