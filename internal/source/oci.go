package source

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cpmkit/cpm/internal/cas"
	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/lockfile"
	"github.com/cpmkit/cpm/internal/oci"
	"github.com/cpmkit/cpm/internal/packet"
	"github.com/cpmkit/cpm/internal/policy"
	"github.com/cpmkit/cpm/internal/trust"
)

// RegistryResolver maps a registry host to its Registry client.
type RegistryResolver func(host string) (oci.Registry, error)

// OciSource fetches packets from OCI registries:
// "oci://host/repo/name@version" or "oci://host/repo/name@sha256:<hex>".
// Trust verification runs before any payload bytes enter the CAS; a
// strict-mode violation aborts the fetch with no CAS write.
type OciSource struct {
	registries RegistryResolver
	verify     oci.VerifyConfig
	engine     *policy.Engine
	// materializeRoot is where fetched packets are extracted:
	// <root>/<name>/<digest-prefix>/.
	materializeRoot string
}

// NewOciSource creates an OCI source. engine may be nil to skip the
// fetch-time policy gate (verification still runs and attaches a report).
func NewOciSource(registries RegistryResolver, verify oci.VerifyConfig, engine *policy.Engine, materializeRoot string) *OciSource {
	return &OciSource{
		registries:      registries,
		verify:          verify,
		engine:          engine,
		materializeRoot: materializeRoot,
	}
}

// CanHandle accepts oci:// URIs.
func (s *OciSource) CanHandle(uri string) bool {
	return strings.HasPrefix(uri, "oci://")
}

// ociRef is a parsed oci:// URI.
type ociRef struct {
	host   string
	repo   string
	name   string
	tag    string // mutable tag, empty when pinned
	digest string // sha256 pin, empty when tagged
}

func parseOciURI(uri string) (*ociRef, error) {
	rest := strings.TrimPrefix(uri, "oci://")
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return nil, fmt.Errorf("oci uri %q missing @version or @digest", uri)
	}
	path, version := rest[:at], rest[at+1:]

	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return nil, fmt.Errorf("oci uri %q must be host/repo/name", uri)
	}
	ref := &ociRef{
		host: parts[0],
		repo: strings.Join(parts[1:], "/"),
		name: parts[len(parts)-1],
	}
	if strings.HasPrefix(version, "sha256:") {
		if err := cas.ValidateDigest(version); err != nil {
			return nil, err
		}
		ref.digest = version
	} else if version == "" {
		return nil, fmt.Errorf("oci uri %q has empty version", uri)
	} else {
		ref.tag = version
	}
	return ref, nil
}

// Resolve maps a tag to its digest via the registry; digest-pinned URIs
// resolve to themselves.
func (s *OciSource) Resolve(_ context.Context, uri string) (*PacketReference, error) {
	ref, err := parseOciURI(uri)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeSourceResolve, err)
	}
	if ref.digest != "" {
		return &PacketReference{URI: uri, Digest: ref.digest}, nil
	}
	reg, err := s.registries(ref.host)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeSourceResolve, err)
	}
	digest, err := reg.ResolveTag(ref.repo, ref.tag)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeSourceResolve, err)
	}
	return &PacketReference{URI: uri, Digest: digest, Refs: []string{ref.tag}}, nil
}

// Fetch verifies trust, gates on policy, then pulls layers through the
// CAS and materializes the payload.
func (s *OciSource) Fetch(ctx context.Context, ref *PacketReference, cache *cas.Cache) (*LocalPacket, error) {
	parsed, err := parseOciURI(ref.URI)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}
	reg, err := s.registries(parsed.host)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}

	// Verification precedes any CAS write of the payload.
	report := oci.Verify(reg, parsed.repo, ref.Digest, s.verify)
	ref.Trust = report

	if s.engine != nil {
		verdict := s.engine.Evaluate(ctx, policy.Input{
			Operation: policy.OpFetch,
			SourceURI: ref.URI,
			Trust:     report,
			Tokens:    -1,
		})
		if !verdict.Allowed() {
			component := "score"
			if failed := report.FailedRequirements(requirementsOf(s.engine.Policy())); len(failed) > 0 {
				component = failed[0]
			}
			return nil, cpmerrors.TrustViolation(component,
				fmt.Sprintf("fetch of %s denied: %s", ref.URI, strings.Join(verdict.Reasons, ", ")))
		}
	}

	manifestData, err := s.pullBlob(reg, parsed.repo, ref.Digest, cache)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}
	var manifest oci.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}

	dest := filepath.Join(s.materializeRoot, parsed.name, strings.TrimPrefix(ref.Digest, "sha256:")[:12])
	var lock *lockfile.Lock
	for _, layer := range manifest.Layers {
		data, err := s.pullBlob(reg, parsed.repo, layer.Digest, cache)
		if err != nil {
			return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
		}
		switch layer.MediaType {
		case oci.MediaTypePayloadLayer:
			if err := oci.ExtractPayload(data, dest); err != nil {
				return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
			}
		case oci.MediaTypePacketLock:
			var l lockfile.Lock
			if err := json.Unmarshal(data, &l); err == nil {
				lock = &l
			}
		}
	}

	pm, err := packet.LoadManifest(filepath.Join(dest, packet.FileManifest))
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeFetchFailed, err)
	}
	return &LocalPacket{Path: dest, Manifest: pm, Lock: lock, Trust: report}, nil
}

// pullBlob reads a blob through the CAS: cache hit skips the registry,
// misses are fetched, verified, and stored. The entry stays pinned for
// the duration of the call so eviction cannot race the fetch.
func (s *OciSource) pullBlob(reg oci.Registry, repo, digest string, cache *cas.Cache) ([]byte, error) {
	if cache != nil {
		cache.Pin(digest)
		defer cache.Unpin(digest)
		if data, err := cache.GetBytes(digest); err == nil {
			return data, nil
		}
	}
	data, err := reg.FetchBlob(repo, digest)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if err := cache.PutBytes(digest, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// CheckUpdates re-resolves the tag and compares digests. Digest-pinned
// references are never newer.
func (s *OciSource) CheckUpdates(ctx context.Context, ref *PacketReference) (*UpdateInfo, error) {
	parsed, err := parseOciURI(ref.URI)
	if err != nil {
		return nil, err
	}
	if parsed.digest != "" {
		return &UpdateInfo{LatestDigest: parsed.digest, CurrentDigest: ref.Digest, Newer: false}, nil
	}
	latest, err := s.Resolve(ctx, ref.URI)
	if err != nil {
		return nil, err
	}
	return &UpdateInfo{
		LatestDigest:  latest.Digest,
		CurrentDigest: ref.Digest,
		Newer:         latest.Digest != ref.Digest,
		Refs:          latest.Refs,
	}, nil
}

func requirementsOf(p policy.Policy) trust.Requirements {
	return trust.Requirements{
		Signature:  p.Require.Signature,
		SBOM:       p.Require.SBOM,
		Provenance: p.Require.Provenance,
	}
}

var _ Source = (*OciSource)(nil)
