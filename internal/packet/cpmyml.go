package packet

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CPMYml is the human-readable twin of manifest.json, written alongside it.
type CPMYml struct {
	CPMSchema           int      `yaml:"cpm_schema"`
	Name                string   `yaml:"name"`
	Version             string   `yaml:"version"`
	Description         string   `yaml:"description"`
	Tags                []string `yaml:"tags"`
	Entrypoints         []string `yaml:"entrypoints"`
	EmbeddingModel      string   `yaml:"embedding_model"`
	EmbeddingDim        int      `yaml:"embedding_dim"`
	EmbeddingNormalized bool     `yaml:"embedding_normalized"`
	CreatedAt           string   `yaml:"created_at"`
}

// NewCPMYml derives the yml twin from a manifest.
func NewCPMYml(m *Manifest, description string, tags []string) CPMYml {
	return CPMYml{
		CPMSchema:           1,
		Name:                m.PacketID,
		Version:             m.Version,
		Description:         description,
		Tags:                tags,
		Entrypoints:         []string{"query"},
		EmbeddingModel:      m.Embedding.Model,
		EmbeddingDim:        m.Embedding.Dim,
		EmbeddingNormalized: m.Embedding.Normalized,
		CreatedAt:           m.CreatedAt,
	}
}

// WriteCPMYml writes cpm.yml atomically.
func WriteCPMYml(y CPMYml, path string) error {
	data, err := yaml.Marshal(y)
	if err != nil {
		return err
	}
	return WriteAtomic(path, data)
}

// LoadCPMYml reads cpm.yml.
func LoadCPMYml(path string) (*CPMYml, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var y CPMYml
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, err
	}
	return &y, nil
}

// Timestamp formats t the way all packet artifacts record time:
// UTC ISO-8601 with a Z suffix.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
