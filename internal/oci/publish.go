package oci

import (
	"archive/tar"
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/packet"
)

// payloadFiles is the packet payload shipped inside the image, in fixed
// order for reproducible layers.
var payloadFiles = []string{
	packet.FileCPMYml,
	packet.FileManifest,
	packet.FileDocs,
	packet.FileVectors,
	packet.FileDenseIdx,
	packet.FileSparseIdx,
}

// Signer produces cosign-style signature envelopes over manifest digests.
type Signer struct {
	Issuer string
	Key    ed25519.PrivateKey
}

// PublishOptions configure a packet publish.
type PublishOptions struct {
	// Repo is the repository path inside the registry (e.g. "team/docs").
	Repo string
	// Tag is the mutable version pointer (e.g. "1.2.0").
	Tag string
	// Signer, when set, attaches a signature referrer.
	Signer *Signer
	// SBOM, when set, is attached as an SBOM referrer.
	SBOM []byte
	// Provenance, when set, is attached as a provenance referrer.
	Provenance []byte
}

// PublishResult reports the pushed identity.
type PublishResult struct {
	Digest    string
	Referrers []Descriptor
}

// Publish pushes a built packet directory to a registry: payload tar +
// lock as layers, an OCI manifest with the CPM artifact type, a version
// tag, and optional signature/SBOM/provenance referrers (referrers index
// plus tag fallbacks).
func Publish(reg Registry, packetDir string, opts PublishOptions) (*PublishResult, error) {
	payload, err := PackPayload(packetDir)
	if err != nil {
		return nil, cpmerrors.IO("pack payload", err)
	}
	payloadDigest, err := reg.PushBlob(opts.Repo, payload)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}

	layers := []Descriptor{{
		MediaType: MediaTypePayloadLayer,
		Digest:    payloadDigest,
		Size:      int64(len(payload)),
	}}

	if lockData, err := os.ReadFile(filepath.Join(packetDir, packet.FileLock)); err == nil {
		lockDigest, err := reg.PushBlob(opts.Repo, lockData)
		if err != nil {
			return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
		}
		layers = append(layers, Descriptor{
			MediaType: MediaTypePacketLock,
			Digest:    lockDigest,
			Size:      int64(len(lockData)),
		})
	}

	manifest := &Manifest{
		SchemaVersion: 2,
		MediaType:     MediaTypePacketManifest,
		ArtifactType:  MediaTypePacketManifest,
		Layers:        layers,
		Annotations: map[string]string{
			"org.cpm.packet.name":    filepath.Base(opts.Repo),
			"org.cpm.packet.version": opts.Tag,
		},
	}
	encoded, err := manifest.Encode()
	if err != nil {
		return nil, cpmerrors.IO("encode oci manifest", err)
	}
	digest, err := reg.PushBlob(opts.Repo, encoded)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}
	if opts.Tag != "" {
		if err := reg.Tag(opts.Repo, opts.Tag, digest); err != nil {
			return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
		}
	}

	referrers, err := attachReferrers(reg, opts, digest)
	if err != nil {
		return nil, err
	}
	return &PublishResult{Digest: digest, Referrers: referrers}, nil
}

// attachReferrers pushes the optional trust artifacts and records them in
// the referrers index and as tag fallbacks.
func attachReferrers(reg Registry, opts PublishOptions, digest string) ([]Descriptor, error) {
	hex := strings.TrimPrefix(digest, "sha256:")
	var referrers []Descriptor

	push := func(data []byte, mediaType, kind string) error {
		d, err := reg.PushBlob(opts.Repo, data)
		if err != nil {
			return cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
		}
		referrers = append(referrers, Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(data))})
		return reg.Tag(opts.Repo, fmt.Sprintf("sha256-%s.%s", hex, kind), d)
	}

	if opts.Signer != nil {
		envelope := SignatureEnvelope{
			PayloadDigest: digest,
			Issuer:        opts.Signer.Issuer,
			Signature:     base64.StdEncoding.EncodeToString(ed25519.Sign(opts.Signer.Key, []byte(digest))),
		}
		data, err := json.MarshalIndent(envelope, "", "  ")
		if err != nil {
			return nil, cpmerrors.IO("encode signature envelope", err)
		}
		if err := push(data, MediaTypeSignature, ReferrerSig); err != nil {
			return nil, err
		}
	}
	if len(opts.SBOM) > 0 {
		if err := push(opts.SBOM, MediaTypeSBOM, ReferrerSBOM); err != nil {
			return nil, err
		}
	}
	if len(opts.Provenance) > 0 {
		if err := push(opts.Provenance, MediaTypeProvenance, ReferrerProv); err != nil {
			return nil, err
		}
	}

	if lr, ok := reg.(*LayoutRegistry); ok && len(referrers) > 0 {
		if err := lr.PushReferrers(opts.Repo, digest, referrers); err != nil {
			return nil, cpmerrors.IO("push referrers index", err)
		}
	}
	return referrers, nil
}

// PackPayload builds the payload tar with fixed ordering and zeroed
// timestamps so identical packets produce identical layers. Build
// snapshots reuse it to park payloads in the CAS for time-travel.
func PackPayload(packetDir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, rel := range payloadFiles {
		path := filepath.Join(packetDir, filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if err != nil {
			if rel == packet.FileSparseIdx {
				continue // sparse index is optional
			}
			return nil, fmt.Errorf("payload file %s: %w", rel, err)
		}
		hdr := &tar.Header{
			Name:    "payload/" + rel,
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: time.Unix(0, 0).UTC(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(tw, f); err != nil {
			_ = f.Close()
			return nil, err
		}
		_ = f.Close()
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractPayload materializes a payload tar into destDir, guarding
// against path traversal in archive entries.
func ExtractPayload(payload []byte, destDir string) error {
	tr := tar.NewReader(bytes.NewReader(payload))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := strings.TrimPrefix(filepath.ToSlash(hdr.Name), "payload/")
		target, err := safeJoin(destDir, rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		if err := packet.WriteAtomic(target, data); err != nil {
			return err
		}
	}
	return nil
}

// safeJoin joins base and rel, rejecting entries that escape base.
func safeJoin(base, rel string) (string, error) {
	target := filepath.Join(base, filepath.FromSlash(rel))
	cleanBase := filepath.Clean(base)
	if target != cleanBase && !strings.HasPrefix(target, cleanBase+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked for extracted path: %s", rel)
	}
	return target, nil
}
