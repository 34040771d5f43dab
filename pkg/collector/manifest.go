package collector

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StageResult records whether an optional stage ran and how it ended
type StageResult struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	Duration time.Duration `yaml:"duration,omitempty"`
	Error    string        `yaml:"error,omitempty"`
}

// Manifest describes one collection run. It is written into the output tree
// just before archiving, so every archive documents its own contents.
type Manifest struct {
	RunID    string    `yaml:"run_id"`
	Version  string    `yaml:"version,omitempty"`
	Host     string    `yaml:"host"`
	User     string    `yaml:"user"`
	Started  time.Time `yaml:"started"`
	Finished time.Time `yaml:"finished"`
	Archive  string    `yaml:"archive"`
	// Session is the final state of the session breaker
	Session   string           `yaml:"session"`
	Stages    []StageResult    `yaml:"stages"`
	Groups    []GroupResult    `yaml:"groups"`
	Downloads []DownloadResult `yaml:"downloads,omitempty"`
}

// Failures counts failed groups, downloads and stages
func (m *Manifest) Failures() int {
	n := 0
	for _, g := range m.Groups {
		if g.Error != "" {
			n++
		}
	}
	for _, d := range m.Downloads {
		if d.Error != "" {
			n++
		}
	}
	for _, s := range m.Stages {
		if s.Error != "" {
			n++
		}
	}
	return n
}

// Write stores the manifest as YAML at path
func (m *Manifest) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return f.Close()
}

// ReadManifest loads a manifest written by Write
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}
