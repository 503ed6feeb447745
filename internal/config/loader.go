package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses configuration from a file. Env var references in the
// file body are interpolated before parsing.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Provider hands out current settings. Implementations decide freshness; the
// file provider re-reads on every call so rule and secret changes apply to
// the next delivery without a restart.
type Provider interface {
	Settings() (*Config, error)
}

// FileProvider re-reads a config file per call.
type FileProvider struct {
	Path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{Path: path}
}

func (p *FileProvider) Settings() (*Config, error) {
	return Load(p.Path)
}

// StaticProvider returns a fixed config. Used by tests.
type StaticProvider struct {
	Config *Config
}

func (p *StaticProvider) Settings() (*Config, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("no config set")
	}
	return p.Config, nil
}
