package source

import (
	"context"
	"strings"

	"github.com/cpmkit/cpm/internal/cas"
	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/hub"
)

// HubSource delegates resolution to the registry service. The hub pins a
// digest and returns a trust report plus refs; when a ref is an oci://
// URI, the actual fetch is delegated to the OCI source.
type HubSource struct {
	client   *hub.Client
	delegate Source
}

// NewHubSource creates a hub source. delegate handles the materializing
// fetch for oci:// refs returned by the hub.
func NewHubSource(client *hub.Client, delegate Source) *HubSource {
	return &HubSource{client: client, delegate: delegate}
}

// CanHandle accepts hub:// and, when a hub is configured, http(s):// URIs.
func (s *HubSource) CanHandle(uri string) bool {
	if strings.HasPrefix(uri, "hub://") {
		return true
	}
	return s.client.Enabled() &&
		(strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"))
}

// Resolve asks the hub for {digest, refs, trust}.
func (s *HubSource) Resolve(ctx context.Context, uri string) (*PacketReference, error) {
	resp, err := s.client.Resolve(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &PacketReference{
		URI:    uri,
		Digest: resp.Digest,
		Refs:   resp.Refs,
		Trust:  resp.Trust,
	}, nil
}

// Fetch materializes the packet by delegating the first oci:// ref from the
// hub response to the OCI source, which reads blobs through the CAS. A
// response without an oci:// ref fails.
func (s *HubSource) Fetch(ctx context.Context, ref *PacketReference, cache *cas.Cache) (*LocalPacket, error) {
	for _, r := range ref.Refs {
		if strings.HasPrefix(r, "oci://") && s.delegate != nil {
			delegated := &PacketReference{URI: r, Digest: ref.Digest, Trust: ref.Trust}
			lp, err := s.delegate.Fetch(ctx, delegated, cache)
			if err != nil {
				return nil, err
			}
			if lp.Trust == nil {
				lp.Trust = ref.Trust
			}
			return lp, nil
		}
	}
	return nil, cpmerrors.New(cpmerrors.ErrCodeFetchFailed,
		"hub response for "+ref.URI+" carries no fetchable ref", nil)
}

// CheckUpdates re-resolves through the hub.
func (s *HubSource) CheckUpdates(ctx context.Context, ref *PacketReference) (*UpdateInfo, error) {
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

var _ Source = (*HubSource)(nil)
