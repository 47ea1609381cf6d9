package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cpmkit/cpm/internal/cas"
)

// Registry abstracts the distribution endpoints the core needs: tag
// resolution, blob transfer, and referrer discovery. LayoutRegistry, the
// filesystem layout below, is the implementation in this repository.
type Registry interface {
	// ResolveTag maps repo:tag to a manifest digest.
	ResolveTag(repo, tag string) (string, error)
	// FetchBlob returns blob bytes by digest.
	FetchBlob(repo, digest string) ([]byte, error)
	// PushBlob stores blob bytes; the digest is derived from the content.
	PushBlob(repo string, data []byte) (string, error)
	// Tag points a mutable tag at a digest.
	Tag(repo, tag, digest string) error
	// Referrers lists descriptors of artifacts referencing the digest.
	Referrers(repo, digest string) ([]Descriptor, error)
}

// LayoutRegistry is a filesystem-backed Registry rooted at a directory:
//
//	<root>/<repo>/blobs/sha256/<hex>
//	<root>/<repo>/tags/<tag>            (contains the digest)
//	<root>/<repo>/referrers/<digest-hex>.json
//
// It backs `cpm publish --registry <host>` (a layout under
// <workspace>/registries/<host>) and every OCI test without a network.
type LayoutRegistry struct {
	root string
}

// NewLayoutRegistry opens a filesystem registry at root.
func NewLayoutRegistry(root string) *LayoutRegistry {
	return &LayoutRegistry{root: root}
}

func (r *LayoutRegistry) repoDir(repo string) string {
	return filepath.Join(r.root, filepath.FromSlash(repo))
}

// ResolveTag maps a tag to its digest.
func (r *LayoutRegistry) ResolveTag(repo, tag string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.repoDir(repo), "tags", sanitizeTag(tag)))
	if err != nil {
		return "", fmt.Errorf("tag %s not found in %s: %w", tag, repo, err)
	}
	digest := strings.TrimSpace(string(data))
	if err := cas.ValidateDigest(digest); err != nil {
		return "", fmt.Errorf("tag %s holds invalid digest: %w", tag, err)
	}
	return digest, nil
}

// FetchBlob returns blob bytes, verifying content against the digest.
func (r *LayoutRegistry) FetchBlob(repo, digest string) ([]byte, error) {
	if err := cas.ValidateDigest(digest); err != nil {
		return nil, err
	}
	hex := strings.TrimPrefix(digest, "sha256:")
	data, err := os.ReadFile(filepath.Join(r.repoDir(repo), "blobs", "sha256", hex))
	if err != nil {
		return nil, err
	}
	if cas.DigestBytes(data) != digest {
		return nil, fmt.Errorf("blob %s content does not match digest", digest)
	}
	return data, nil
}

// PushBlob stores blob bytes under their content digest.
func (r *LayoutRegistry) PushBlob(repo string, data []byte) (string, error) {
	digest := cas.DigestBytes(data)
	hex := strings.TrimPrefix(digest, "sha256:")
	path := filepath.Join(r.repoDir(repo), "blobs", "sha256", hex)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return digest, nil
}

// Tag points a tag at a digest.
func (r *LayoutRegistry) Tag(repo, tag, digest string) error {
	if err := cas.ValidateDigest(digest); err != nil {
		return err
	}
	path := filepath.Join(r.repoDir(repo), "tags", sanitizeTag(tag))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(digest+"\n"), 0o644)
}

// Referrers lists artifacts attached to a digest via the referrers index,
// falling back to sha256-<hex>.<kind> tags.
func (r *LayoutRegistry) Referrers(repo, digest string) ([]Descriptor, error) {
	if err := cas.ValidateDigest(digest); err != nil {
		return nil, err
	}
	hex := strings.TrimPrefix(digest, "sha256:")

	indexPath := filepath.Join(r.repoDir(repo), "referrers", hex+".json")
	if data, err := os.ReadFile(indexPath); err == nil {
		var descs []Descriptor
		if err := json.Unmarshal(data, &descs); err != nil {
			return nil, fmt.Errorf("parse referrers index: %w", err)
		}
		return descs, nil
	}

	// Tag fallback: sha256-<hex>.sig | .sbom | .prov.
	var descs []Descriptor
	for kind, mediaType := range map[string]string{
		ReferrerSig:  MediaTypeSignature,
		ReferrerSBOM: MediaTypeSBOM,
		ReferrerProv: MediaTypeProvenance,
	} {
		tag := fmt.Sprintf("sha256-%s.%s", hex, kind)
		d, err := r.ResolveTag(repo, tag)
		if err != nil {
			continue
		}
		descs = append(descs, Descriptor{MediaType: mediaType, Digest: d})
	}
	sortDescriptors(descs)
	return descs, nil
}

// PushReferrers records the referrers index for a digest.
func (r *LayoutRegistry) PushReferrers(repo, digest string, descs []Descriptor) error {
	hex := strings.TrimPrefix(digest, "sha256:")
	path := filepath.Join(r.repoDir(repo), "referrers", hex+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(descs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func sanitizeTag(tag string) string {
	return strings.ReplaceAll(tag, "/", "_")
}

func sortDescriptors(descs []Descriptor) {
	for i := 1; i < len(descs); i++ {
		for j := i; j > 0 && descs[j].MediaType < descs[j-1].MediaType; j-- {
			descs[j], descs[j-1] = descs[j-1], descs[j]
		}
	}
}

var _ Registry = (*LayoutRegistry)(nil)
