package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment profile layered over the environment config:
// per-environment tenant credentials, rail providers, and worker tuning.
type Profile struct {
	Name    string `yaml:"name"`
	Tenants []struct {
		TenantID string `yaml:"tenantId"`
		KeyID    string `yaml:"keyId"`
		Secret   string `yaml:"secret"`
	} `yaml:"tenants"`
	RailProviders []string `yaml:"railProviders"`
	Workers       struct {
		// Interval is a Go duration string, e.g. "30s".
		Interval        string `yaml:"interval"`
		RetentionDryRun bool   `yaml:"retentionDryRun"`
	} `yaml:"workers"`
}

// LoadProfile parses a YAML profile file.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("profile %s has no name", path)
	}
	return &p, nil
}

// Apply overlays the profile onto the config.
func (p *Profile) Apply(cfg *Config) {
	if p.Workers.Interval != "" {
		if d, err := time.ParseDuration(p.Workers.Interval); err == nil {
			cfg.WorkerInterval = d
		}
	}
	if p.Workers.RetentionDryRun {
		cfg.RetentionDryRun = true
	}
}
