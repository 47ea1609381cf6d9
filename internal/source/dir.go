package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cpmkit/cpm/internal/cas"
	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/lockfile"
	"github.com/cpmkit/cpm/internal/packet"
)

// DirSource resolves local packet directories: "dir://path" or a plain
// path. The digest is the manifest file digest, so identity matches the
// published form.
type DirSource struct{}

// NewDirSource creates a directory source.
func NewDirSource() *DirSource { return &DirSource{} }

// CanHandle accepts dir:// URIs and anything without a scheme.
func (s *DirSource) CanHandle(uri string) bool {
	if strings.HasPrefix(uri, "dir://") {
		return true
	}
	return !strings.Contains(uri, "://")
}

func dirPath(uri string) string {
	return strings.TrimPrefix(uri, "dir://")
}

// Resolve checks the directory holds a packet and pins its manifest
// digest.
func (s *DirSource) Resolve(_ context.Context, uri string) (*PacketReference, error) {
	dir := dirPath(uri)
	if _, err := os.Stat(filepath.Join(dir, packet.FileManifest)); err != nil {
		return nil, cpmerrors.New(cpmerrors.ErrCodeSourceResolve,
			"no packet manifest at "+dir, err)
	}
	digest, err := packet.ManifestDigest(dir)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeSourceResolve, err)
	}
	return &PacketReference{URI: uri, Digest: digest}, nil
}

// Fetch loads the packet in place; local directories are not copied
// through the CAS.
func (s *DirSource) Fetch(_ context.Context, ref *PacketReference, _ *cas.Cache) (*LocalPacket, error) {
	dir := dirPath(ref.URI)
	manifest, err := packet.LoadManifest(filepath.Join(dir, packet.FileManifest))
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}

	lp := &LocalPacket{Path: dir, Manifest: manifest, Trust: ref.Trust}
	if lock, err := lockfile.Load(filepath.Join(dir, packet.FileLock)); err == nil {
		lp.Lock = lock
	}
	return lp, nil
}

// CheckUpdates re-resolves the directory; a changed manifest digest means
// the packet was rebuilt.
func (s *DirSource) CheckUpdates(ctx context.Context, ref *PacketReference) (*UpdateInfo, error) {
	latest, err := s.Resolve(ctx, ref.URI)
	if err != nil {
		return nil, err
	}
	return &UpdateInfo{
		LatestDigest:  latest.Digest,
		CurrentDigest: ref.Digest,
		Newer:         latest.Digest != ref.Digest,
	}, nil
}

var _ Source = (*DirSource)(nil)
