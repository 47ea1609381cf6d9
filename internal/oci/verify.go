package oci

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/cpmkit/cpm/internal/trust"
)

// VerifyConfig holds the trusted issuer keys and score weights.
type VerifyConfig struct {
	// IssuerKeys maps issuer identity to its ed25519 public key.
	IssuerKeys map[string]ed25519.PublicKey
	// Weights for the trust score; zero value uses defaults.
	Weights trust.Weights
}

// Verify runs the verification steps over a packet's referrers and emits
// a trust report:
//  1. signature envelope over the manifest digest against issuer keys,
//  2. SBOM format and subject digest presence,
//  3. provenance statement and SLSA level,
//  4. weighted trust score.
func Verify(reg Registry, repo, digest string, cfg VerifyConfig) *trust.Report {
	report := &trust.Report{}

	referrers, err := reg.Referrers(repo, digest)
	if err != nil {
		report.Reasons = append(report.Reasons, "referrers_unavailable")
		report.ComputeScore(cfg.Weights)
		return report
	}

	for _, ref := range referrers {
		data, err := reg.FetchBlob(repo, ref.Digest)
		if err != nil {
			report.Reasons = append(report.Reasons, "referrer_fetch_failed:"+ref.MediaType)
			continue
		}
		switch ref.MediaType {
		case MediaTypeSignature:
			verifySignature(report, data, digest, cfg)
		case MediaTypeSBOM:
			verifySBOM(report, data, digest)
		case MediaTypeProvenance:
			verifyProvenance(report, data, digest)
		}
	}

	if !report.Signature.Present {
		report.Reasons = append(report.Reasons, "signature_missing")
	}
	if !report.SBOM.Present {
		report.Reasons = append(report.Reasons, "sbom_missing")
	}
	if !report.Provenance.Present {
		report.Reasons = append(report.Reasons, "provenance_missing")
	}
	report.ComputeScore(cfg.Weights)
	return report
}

func verifySignature(report *trust.Report, data []byte, digest string, cfg VerifyConfig) {
	report.Signature.Present = true

	var envelope SignatureEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		report.Reasons = append(report.Reasons, "signature_unparseable")
		return
	}
	if envelope.PayloadDigest != digest {
		report.Reasons = append(report.Reasons, "signature_payload_mismatch")
		return
	}
	key, ok := cfg.IssuerKeys[envelope.Issuer]
	if !ok {
		report.Reasons = append(report.Reasons, "signature_unknown_issuer")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		report.Reasons = append(report.Reasons, "signature_malformed")
		return
	}
	if !ed25519.Verify(key, []byte(digest), sig) {
		report.Reasons = append(report.Reasons, "signature_invalid")
		return
	}
	report.Signature.Valid = true
	report.Signature.Issuer = envelope.Issuer
}

// verifySBOM accepts CycloneDX and SPDX documents whose subject covers the
// packet digest.
func verifySBOM(report *trust.Report, data []byte, digest string) {
	report.SBOM.Present = true

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		report.Reasons = append(report.Reasons, "sbom_unparseable")
		return
	}
	switch {
	case doc["bomFormat"] == "CycloneDX":
		report.SBOM.Format = "cyclonedx"
	case doc["spdxVersion"] != nil:
		report.SBOM.Format = "spdx"
	default:
		report.Reasons = append(report.Reasons, "sbom_unknown_format")
		return
	}
	if !containsDigest(doc, strings.TrimPrefix(digest, "sha256:")) {
		report.Reasons = append(report.Reasons, "sbom_subject_mismatch")
		return
	}
	report.SBOM.Valid = true
}

// verifyProvenance parses an in-toto statement and extracts the SLSA level.
func verifyProvenance(report *trust.Report, data []byte, digest string) {
	report.Provenance.Present = true

	var stmt ProvenanceStatement
	if err := json.Unmarshal(data, &stmt); err != nil {
		report.Reasons = append(report.Reasons, "provenance_unparseable")
		return
	}
	if !strings.HasPrefix(stmt.Type, "https://in-toto.io/Statement") {
		report.Reasons = append(report.Reasons, "provenance_unknown_type")
		return
	}
	subjectMatches := false
	for _, s := range stmt.Subject {
		if s.Digest["sha256"] == strings.TrimPrefix(digest, "sha256:") {
			subjectMatches = true
			break
		}
	}
	if !subjectMatches {
		report.Reasons = append(report.Reasons, "provenance_subject_mismatch")
		return
	}
	report.Provenance.Valid = true
	report.Provenance.SLSALevel = stmt.Predicate.SLSALevel
}

// containsDigest walks a decoded JSON document for the digest hex.
func containsDigest(v any, hex string) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, hex)
	case map[string]any:
		for _, child := range t {
			if containsDigest(child, hex) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if containsDigest(child, hex) {
				return true
			}
		}
	}
	return false
}
