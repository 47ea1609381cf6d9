// Package source implements packet resolution and fetch: dir://, oci://,
// and hub-backed sources behind one interface, materializing packets
// through the digest-keyed CAS.
package source

import (
	"context"
	"fmt"

	"github.com/cpmkit/cpm/internal/cas"
	"github.com/cpmkit/cpm/internal/lockfile"
	"github.com/cpmkit/cpm/internal/packet"
	"github.com/cpmkit/cpm/internal/trust"
)

// PacketReference is the logical handle a source resolves a URI to.
type PacketReference struct {
	URI    string        `json:"uri"`
	Digest string        `json:"digest"`
	Refs   []string      `json:"refs,omitempty"`
	Trust  *trust.Report `json:"trust,omitempty"`
}

// LocalPacket is the materialized form of a reference.
type LocalPacket struct {
	Path     string
	Manifest *packet.Manifest
	Lock     *lockfile.Lock
	Trust    *trust.Report
}

// UpdateInfo reports whether a newer version exists for a reference.
type UpdateInfo struct {
	LatestDigest  string   `json:"latest_digest"`
	CurrentDigest string   `json:"current_digest"`
	Newer         bool     `json:"newer"`
	Refs          []string `json:"refs,omitempty"`
}

// Source resolves and fetches packets for one URI scheme.
type Source interface {
	// CanHandle reports whether this source understands the URI.
	CanHandle(uri string) bool
	// Resolve maps the URI to a digest-pinned reference.
	Resolve(ctx context.Context, uri string) (*PacketReference, error)
	// Fetch materializes the reference through the cache.
	Fetch(ctx context.Context, ref *PacketReference, cache *cas.Cache) (*LocalPacket, error)
	// CheckUpdates compares the reference against the latest upstream.
	CheckUpdates(ctx context.Context, ref *PacketReference) (*UpdateInfo, error)
}

// Resolver routes URIs across the registered sources in order.
type Resolver struct {
	sources []Source
}

// NewResolver creates a resolver over the given sources; earlier sources
// win when multiple can handle a URI.
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// SourceFor returns the first source that can handle the URI.
func (r *Resolver) SourceFor(uri string) (Source, error) {
	for _, s := range r.sources {
		if s.CanHandle(uri) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no source can handle %q", uri)
}

// Resolve routes the URI to its source and resolves it.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*PacketReference, error) {
	s, err := r.SourceFor(uri)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, uri)
}

// Fetch routes the reference's URI and fetches it.
func (r *Resolver) Fetch(ctx context.Context, ref *PacketReference, cache *cas.Cache) (*LocalPacket, error) {
	s, err := r.SourceFor(ref.URI)
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, ref, cache)
}
