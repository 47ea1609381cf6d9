package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpmkit/cpm/internal/build"
	"github.com/cpmkit/cpm/internal/cas"
	"github.com/cpmkit/cpm/internal/chunk"
	"github.com/cpmkit/cpm/internal/embed"
	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/oci"
	"github.com/cpmkit/cpm/internal/policy"
)

func buildTestPacket(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.md"), []byte("# H\nfoo bar"), 0o644))

	dest := filepath.Join(t.TempDir(), "pkt")
	cfg := chunk.DefaultConfig()
	cfg.ChunkTokens = 64
	_, err := build.Run(context.Background(), embed.NewStubEmbedder("test-model", 4), build.Options{
		Source: src, Dest: dest, PacketName: "pkt", Version: "1.0.0", Chunking: cfg,
	})
	require.NoError(t, err)
	return dest
}

func TestDirSource_ResolveAndFetch(t *testing.T) {
	pkt := buildTestPacket(t)
	s := NewDirSource()

	assert.True(t, s.CanHandle("dir://"+pkt))
	assert.True(t, s.CanHandle(pkt))
	assert.False(t, s.CanHandle("oci://r/p@v"))

	ref, err := s.Resolve(context.Background(), "dir://"+pkt)
	require.NoError(t, err)
	assert.Contains(t, ref.Digest, "sha256:")

	lp, err := s.Fetch(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Equal(t, pkt, lp.Path)
	assert.Equal(t, "pkt", lp.Manifest.PacketID)
	require.NotNil(t, lp.Lock)
}

func TestDirSource_CheckUpdatesDetectsRebuild(t *testing.T) {
	pkt := buildTestPacket(t)
	s := NewDirSource()

	ref, err := s.Resolve(context.Background(), pkt)
	require.NoError(t, err)

	info, err := s.CheckUpdates(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, info.Newer)

	// Rewrite the manifest; digest changes, update detected.
	manifestPath := filepath.Join(pkt, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, append(data, '\n'), 0o644))

	info, err = s.CheckUpdates(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, info.Newer)
}

func layoutResolver(reg *oci.LayoutRegistry) RegistryResolver {
	return func(string) (oci.Registry, error) { return reg, nil }
}

func TestParseOciURI(t *testing.T) {
	ref, err := parseOciURI("oci://registry.example.com/team/pkt@1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com", ref.host)
	assert.Equal(t, "team/pkt", ref.repo)
	assert.Equal(t, "pkt", ref.name)
	assert.Equal(t, "1.2.0", ref.tag)

	pinned := "oci://r/p@sha256:" + padHex("ab")
	ref, err = parseOciURI(pinned)
	require.NoError(t, err)
	assert.Empty(t, ref.tag)
	assert.Contains(t, ref.digest, "sha256:")

	_, err = parseOciURI("oci://r/p")
	assert.Error(t, err)
	_, err = parseOciURI("oci://hostonly@v1")
	assert.Error(t, err)
}

func padHex(prefix string) string {
	s := prefix
	for len(s) < 64 {
		s += "0"
	}
	return s
}

func TestOciSource_ResolveFetchRoundTrip(t *testing.T) {
	pkt := buildTestPacket(t)
	reg := oci.NewLayoutRegistry(t.TempDir())

	published, err := oci.Publish(reg, pkt, oci.PublishOptions{Repo: "team/pkt", Tag: "1.0.0"})
	require.NoError(t, err)

	ws := t.TempDir()
	cache, err := cas.New(ws, 0)
	require.NoError(t, err)

	s := NewOciSource(layoutResolver(reg), oci.VerifyConfig{}, nil, filepath.Join(ws, "packages"))
	uri := "oci://local/team/pkt@1.0.0"

	ref, err := s.Resolve(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, published.Digest, ref.Digest)

	lp, err := s.Fetch(context.Background(), ref, cache)
	require.NoError(t, err)
	assert.Equal(t, "pkt", lp.Manifest.PacketID)
	assert.FileExists(t, filepath.Join(lp.Path, "docs.jsonl"))
	require.NotNil(t, lp.Trust)

	// The manifest and payload blobs are now cached.
	assert.True(t, cache.Has(published.Digest))
}

func TestOciSource_StrictTrustDenyWritesNothing(t *testing.T) {
	pkt := buildTestPacket(t)
	reg := oci.NewLayoutRegistry(t.TempDir())

	published, err := oci.Publish(reg, pkt, oci.PublishOptions{Repo: "r/pkt", Tag: "1.0.0"})
	require.NoError(t, err)

	ws := t.TempDir()
	cache, err := cas.New(ws, 0)
	require.NoError(t, err)

	engine := policy.NewEngine(policy.Policy{
		Mode:    policy.ModeStrict,
		Require: policy.Requirements{Signature: true},
	})
	s := NewOciSource(layoutResolver(reg), oci.VerifyConfig{}, engine, filepath.Join(ws, "packages"))

	ref, err := s.Resolve(context.Background(), "oci://r/r/pkt@1.0.0")
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), ref, cache)
	require.Error(t, err)
	assert.Equal(t, cpmerrors.ErrCodeTrustViolation, cpmerrors.GetCode(err))
	assert.Equal(t, "signature", cpmerrors.GetDetail(err, "component"))
	assert.Equal(t, cpmerrors.ExitTrust, cpmerrors.ExitCode(err))

	// No payload entered the CAS.
	assert.False(t, cache.Has(published.Digest))
}

func TestOciSource_WarnModeProceeds(t *testing.T) {
	pkt := buildTestPacket(t)
	reg := oci.NewLayoutRegistry(t.TempDir())

	_, err := oci.Publish(reg, pkt, oci.PublishOptions{Repo: "r/pkt", Tag: "1.0.0"})
	require.NoError(t, err)

	ws := t.TempDir()
	cache, err := cas.New(ws, 0)
	require.NoError(t, err)

	engine := policy.NewEngine(policy.Policy{
		Mode:    policy.ModeWarn,
		Require: policy.Requirements{Signature: true},
	})
	s := NewOciSource(layoutResolver(reg), oci.VerifyConfig{}, engine, filepath.Join(ws, "packages"))

	ref, err := s.Resolve(context.Background(), "oci://r/r/pkt@1.0.0")
	require.NoError(t, err)
	lp, err := s.Fetch(context.Background(), ref, cache)
	require.NoError(t, err)
	assert.NotNil(t, lp.Trust)
	assert.False(t, lp.Trust.Signature.Present)
}

func TestOciSource_SecondFetchServedFromCache(t *testing.T) {
	pkt := buildTestPacket(t)
	regRoot := t.TempDir()
	reg := oci.NewLayoutRegistry(regRoot)

	_, err := oci.Publish(reg, pkt, oci.PublishOptions{Repo: "r/pkt", Tag: "1.0.0"})
	require.NoError(t, err)

	ws := t.TempDir()
	cache, err := cas.New(ws, 0)
	require.NoError(t, err)
	s := NewOciSource(layoutResolver(reg), oci.VerifyConfig{}, nil, filepath.Join(ws, "packages"))

	ref, err := s.Resolve(context.Background(), "oci://r/r/pkt@1.0.0")
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), ref, cache)
	require.NoError(t, err)

	// Wipe the registry blobs; the cached copy must still satisfy fetch.
	require.NoError(t, os.RemoveAll(filepath.Join(regRoot, "r", "pkt", "blobs")))
	_, err = s.Fetch(context.Background(), ref, cache)
	require.NoError(t, err)
}

func TestResolver_RoutesByScheme(t *testing.T) {
	pkt := buildTestPacket(t)
	r := NewResolver(NewDirSource())

	ref, err := r.Resolve(context.Background(), pkt)
	require.NoError(t, err)
	lp, err := r.Fetch(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Equal(t, pkt, lp.Path)

	_, err = r.Resolve(context.Background(), "oci://unrouted/x@1")
	assert.Error(t, err)
}
