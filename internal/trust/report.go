// Package trust models supply-chain verification results: signature,
// SBOM, and provenance checks aggregated into a scalar trust score.
package trust

// Default trust score weights; tunable via policy.yml trust_weights.
const (
	DefaultWeightSignature  = 0.5
	DefaultWeightSBOM       = 0.25
	DefaultWeightProvenance = 0.25
)

// Weights control the trust score aggregation.
type Weights struct {
	Signature  float64 `yaml:"signature" json:"signature"`
	SBOM       float64 `yaml:"sbom" json:"sbom"`
	Provenance float64 `yaml:"provenance" json:"provenance"`
}

// DefaultWeights returns the standard 0.5/0.25/0.25 split.
func DefaultWeights() Weights {
	return Weights{
		Signature:  DefaultWeightSignature,
		SBOM:       DefaultWeightSBOM,
		Provenance: DefaultWeightProvenance,
	}
}

// SignatureCheck is the signature verification result.
type SignatureCheck struct {
	Present bool   `json:"present"`
	Valid   bool   `json:"valid"`
	Issuer  string `json:"issuer,omitempty"`
}

// SBOMCheck is the SBOM verification result.
type SBOMCheck struct {
	Present bool   `json:"present"`
	Valid   bool   `json:"valid"`
	Format  string `json:"format,omitempty"`
}

// ProvenanceCheck is the provenance verification result.
type ProvenanceCheck struct {
	Present   bool `json:"present"`
	Valid     bool `json:"valid"`
	SLSALevel int  `json:"slsa_level,omitempty"`
}

// Report aggregates all verification checks for one packet.
type Report struct {
	Signature  SignatureCheck  `json:"signature"`
	SBOM       SBOMCheck       `json:"sbom"`
	Provenance ProvenanceCheck `json:"provenance"`
	Score      float64         `json:"score"`
	Reasons    []string        `json:"reasons,omitempty"`
}

// ComputeScore fills Score from the component checks:
// (w_sig*sig + w_sbom*sbom + w_prov*prov) / (w_sig + w_sbom + w_prov), each
// component 0 or 1. Weights whose sum is not positive are replaced by the
// defaults.
func (r *Report) ComputeScore(w Weights) {
	total := w.Signature + w.SBOM + w.Provenance
	if total <= 0 {
		w = DefaultWeights()
		total = 1
	}
	var score float64
	if r.Signature.Present && r.Signature.Valid {
		score += w.Signature
	}
	if r.SBOM.Present && r.SBOM.Valid {
		score += w.SBOM
	}
	if r.Provenance.Present && r.Provenance.Valid {
		score += w.Provenance
	}
	r.Score = score / total
}

// Requirements lists the require.* components a policy could reject:
// a component fails strict mode when it is absent or invalid.
type Requirements struct {
	Signature  bool
	SBOM       bool
	Provenance bool
}

// FailedRequirements returns the required components this report does not
// satisfy, in fixed order.
func (r *Report) FailedRequirements(req Requirements) []string {
	var failed []string
	if req.Signature && !(r.Signature.Present && r.Signature.Valid) {
		failed = append(failed, "signature")
	}
	if req.SBOM && !(r.SBOM.Present && r.SBOM.Valid) {
		failed = append(failed, "sbom")
	}
	if req.Provenance && !(r.Provenance.Present && r.Provenance.Valid) {
		failed = append(failed, "provenance")
	}
	return failed
}
