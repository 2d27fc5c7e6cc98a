// Package config assembles the process configuration from an optional
// YAML file plus environment overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/loadgrid/internal/api"
	"github.com/FairForge/loadgrid/internal/degrade"
	"github.com/FairForge/loadgrid/internal/loadgen"
	"github.com/FairForge/loadgrid/internal/metrics"
	"github.com/FairForge/loadgrid/internal/stream"
)

// Config is the full process configuration. Component sections reuse
// each package's own config type so defaults live in one place.
type Config struct {
	Server     api.Config               `yaml:"server"`
	Aggregator metrics.AggregatorConfig `yaml:"aggregator"`
	Detector   degrade.DetectorConfig   `yaml:"detector"`
	Thresholds *degrade.Thresholds      `yaml:"thresholds"`
	Streamer   stream.StreamerConfig    `yaml:"streamer"`
	LoadGen    loadgen.Config           `yaml:"loadgen"`

	// ScenarioPath optionally preloads a scenario at startup.
	ScenarioPath string `yaml:"scenario_path"`
	// ReportPath, when set, archives each run's results there.
	ReportPath string `yaml:"report_path"`
	LogLevel   string `yaml:"log_level"`
}

// ApplyDefaults fills every section's defaults.
func (c *Config) ApplyDefaults() {
	c.Server.ApplyDefaults()
	c.Aggregator.ApplyDefaults()
	c.Detector.ApplyDefaults()
	c.Streamer.ApplyDefaults()
	c.LoadGen.ApplyDefaults()
	if c.Thresholds == nil {
		c.Thresholds = degrade.DefaultThresholds()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := c.Aggregator.Validate(); err != nil {
		return err
	}
	if c.Thresholds != nil {
		if err := c.Thresholds.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a config file, applies defaults and env overrides, and
// validates the result. An empty path yields the default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
