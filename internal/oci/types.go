// Package oci implements the packet publish layout, a filesystem-backed
// registry for local workflows, and referrer-based trust verification.
// The distribution-spec HTTP transport stays behind the Registry
// interface.
package oci

import "encoding/json"

// CPM media types for packet artifacts.
const (
	MediaTypePacketManifest = "application/vnd.cpm.packet.manifest.v1+json"
	MediaTypePacketLock     = "application/vnd.cpm.packet.lock.v1+json"
	MediaTypePayloadLayer   = "application/vnd.cpm.packet.payload.v1.tar"
	MediaTypeSignature      = "application/vnd.cpm.signature.v1+json"
	MediaTypeSBOM           = "application/vnd.cpm.sbom.v1+json"
	MediaTypeProvenance     = "application/vnd.cpm.provenance.v1+json"
)

// Referrer artifact kinds and their tag-fallback suffixes.
const (
	ReferrerSig  = "sig"
	ReferrerSBOM = "sbom"
	ReferrerProv = "prov"
)

// Descriptor references a blob by digest.
type Descriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Manifest is the OCI image manifest for a packet.
type Manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	ArtifactType  string            `json:"artifactType,omitempty"`
	Subject       *Descriptor       `json:"subject,omitempty"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Encode renders the manifest with stable formatting; the digest of these
// bytes is the packet's immutable identity.
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// SignatureEnvelope is the cosign-style detached signature over the
// packet manifest digest.
type SignatureEnvelope struct {
	// PayloadDigest is the manifest digest the signature covers.
	PayloadDigest string `json:"payloadDigest"`
	// Issuer identifies the signing key.
	Issuer string `json:"issuer"`
	// Signature is the base64 ed25519 signature over PayloadDigest.
	Signature string `json:"signature"`
}

// ProvenanceStatement is a minimal in-toto / SLSA statement.
type ProvenanceStatement struct {
	Type          string `json:"_type"`
	PredicateType string `json:"predicateType"`
	Subject       []struct {
		Name   string            `json:"name"`
		Digest map[string]string `json:"digest"`
	} `json:"subject"`
	Predicate struct {
		Builder struct {
			ID string `json:"id"`
		} `json:"builder"`
		SLSALevel int `json:"slsa_level"`
	} `json:"predicate"`
}
