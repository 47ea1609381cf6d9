package hub

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadSettings reads <workspaceRoot>/config/hub.yml. A missing file
// disables the hub.
func LoadSettings(workspaceRoot string) (Settings, error) {
	path := filepath.Join(workspaceRoot, "config", "hub.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, nil
		}
		return Settings{}, err
	}
	var raw struct {
		URL                 string  `yaml:"url"`
		EnforceRemotePolicy bool    `yaml:"enforce_remote_policy"`
		TimeoutSeconds      float64 `yaml:"timeout_seconds"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Settings{}, fmt.Errorf("parse hub.yml: %w", err)
	}
	s := Settings{
		BaseURL:             raw.URL,
		EnforceRemotePolicy: raw.EnforceRemotePolicy,
	}
	if raw.TimeoutSeconds > 0 {
		s.Timeout = time.Duration(raw.TimeoutSeconds * float64(time.Second))
	}
	return s, nil
}
