package workspace

import (
	"io"
	"os"
	"path/filepath"
	"time"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/lockfile"
	"github.com/cpmkit/cpm/internal/packet"
	"github.com/cpmkit/cpm/internal/source"
)

// Install places a fetched packet under packages/<name>/<version>/ and
// writes an install lock pinning the source, digest, and verification
// outcome.
func (w *Workspace) Install(lp *source.LocalPacket, ref *source.PacketReference, now time.Time) (string, error) {
	name := lp.Manifest.PacketID
	version := lp.Manifest.Version
	if name == "" || version == "" {
		return "", cpmerrors.New(cpmerrors.ErrCodeFetchFailed,
			"packet manifest is missing name or version", nil)
	}

	dest := w.PackageDir(name, version)
	if err := copyPacketDir(lp.Path, dest); err != nil {
		return "", cpmerrors.IO("install packet", err)
	}

	lock := lp.Lock
	if lock == nil {
		lock = &lockfile.Lock{}
	}
	outputs, err := lockfile.CaptureOutputs(dest, []string{
		packet.FileCPMYml, packet.FileManifest, packet.FileDocs,
		packet.FileVectors, packet.FileDenseIdx, packet.FileSparseIdx,
	})
	if err != nil {
		return "", cpmerrors.IO("capture install outputs", err)
	}
	lock.Outputs = outputs

	pin := &lockfile.SourcePin{
		URI:        ref.URI,
		Digest:     ref.Digest,
		ResolvedAt: packet.Timestamp(now),
	}
	if lp.Trust != nil {
		pin.Verification = lockfile.Verification{
			Signature:  lp.Trust.Signature.Valid,
			SBOM:       lp.Trust.SBOM.Valid,
			Provenance: lp.Trust.Provenance.Valid,
			TrustScore: lp.Trust.Score,
		}
	}
	lock.Source = pin

	if err := lock.Write(filepath.Join(dest, packet.FileLock)); err != nil {
		return "", cpmerrors.IO("write install lock", err)
	}
	return dest, nil
}

// Uninstall removes an installed packet version; the name directory goes
// too when it empties.
func (w *Workspace) Uninstall(name, version string) error {
	resolved, err := w.ResolveVersion(name, version)
	if err != nil {
		return cpmerrors.Usage(err.Error())
	}
	if err := os.RemoveAll(w.PackageDir(name, resolved)); err != nil {
		return cpmerrors.IO("uninstall packet", err)
	}
	remaining, err := w.Versions(name)
	if err == nil && len(remaining) == 0 {
		_ = os.Remove(filepath.Join(w.PackagesDir(), name))
	}
	return nil
}

// copyPacketDir copies the packet artifacts, skipping lock and temp
// files.
func copyPacketDir(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(filepath.Join(dest, rel), 0o755)
		}
		name := info.Name()
		if name == ".build.lock" || filepath.Ext(name) == ".tmp" {
			return nil
		}
		return copyFile(path, filepath.Join(dest, rel))
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	return packet.WriteAtomic(dest, data)
}
