// Package policy implements the unified policy engine gating sources,
// trust, and token budget for builds, installs, fetches, and queries.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cpmkit/cpm/internal/trust"
)

// Modes.
const (
	ModeStrict = "strict"
	ModeWarn   = "warn"
)

// Operations the engine is consulted for.
type Operation string

const (
	OpBuild   Operation = "build"
	OpInstall Operation = "install"
	OpQuery   Operation = "query"
	OpFetch   Operation = "fetch"
)

// Requirements mirror the policy's require block.
type Requirements struct {
	Signature  bool `yaml:"signature" json:"signature"`
	SBOM       bool `yaml:"sbom" json:"sbom"`
	Provenance bool `yaml:"provenance" json:"provenance"`
}

// Policy is the policy.yml document.
type Policy struct {
	Mode           string         `yaml:"mode" json:"mode"`
	AllowedSources []string       `yaml:"allowed_sources" json:"allowed_sources"`
	MinTrustScore  float64        `yaml:"min_trust_score" json:"min_trust_score"`
	MaxTokens      int            `yaml:"max_tokens" json:"max_tokens"`
	Require        Requirements   `yaml:"require" json:"require"`
	TrustWeights   *trust.Weights `yaml:"trust_weights,omitempty" json:"trust_weights,omitempty"`
}

// Default returns the policy used when no policy.yml exists.
func Default() Policy {
	return Policy{Mode: ModeStrict, MaxTokens: 6000}
}

// Load reads <workspaceRoot>/policy.yml, falling back to the default
// policy when the file is absent.
func Load(workspaceRoot string) (Policy, error) {
	path := filepath.Join(workspaceRoot, "policy.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, err
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy.yml: %w", err)
	}
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	if p.Mode == "" {
		p.Mode = ModeStrict
	}
	if p.Mode != ModeStrict && p.Mode != ModeWarn {
		return Policy{}, fmt.Errorf("policy mode must be strict or warn, got %q", p.Mode)
	}
	return p, nil
}

// Weights returns the configured trust weights or the defaults.
func (p Policy) Weights() trust.Weights {
	if p.TrustWeights != nil {
		return *p.TrustWeights
	}
	return trust.DefaultWeights()
}

// Strict reports whether violations abort rather than warn.
func (p Policy) Strict() bool { return p.Mode != ModeWarn }
