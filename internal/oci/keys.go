package oci

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Issuer key material lives in <workspace>/config/trust.yml:
//
//	issuers:
//	  ci@example.com: <base64 ed25519 public key>

type trustConfigFile struct {
	Issuers map[string]string `yaml:"issuers"`
}

// LoadIssuerKeys reads the trusted issuer public keys. A missing file
// yields an empty key set.
func LoadIssuerKeys(path string) (map[string]ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ed25519.PublicKey{}, nil
		}
		return nil, err
	}
	var cfg trustConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse trust config: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey, len(cfg.Issuers))
	for issuer, encoded := range cfg.Issuers {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("issuer %s: invalid base64 key: %w", issuer, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("issuer %s: key must be %d bytes, got %d", issuer, ed25519.PublicKeySize, len(raw))
		}
		keys[issuer] = ed25519.PublicKey(raw)
	}
	return keys, nil
}

// LoadSigner reads a base64 ed25519 seed from a key file.
func LoadSigner(keyPath, issuer string) (*Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("signing key must be base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{Issuer: issuer, Key: ed25519.NewKeyFromSeed(seed)}, nil
}
