package config

import (
	"os"
	"time"
)

// LoadFromEnv applies environment overrides on top of the loaded
// config.
func LoadFromEnv(cfg *Config) {
	cfg.Server.Addr = GetEnvOrDefault("LOADGRID_ADDR", cfg.Server.Addr)
	cfg.LogLevel = GetEnvOrDefault("LOADGRID_LOG_LEVEL", cfg.LogLevel)
	cfg.ScenarioPath = GetEnvOrDefault("LOADGRID_SCENARIO", cfg.ScenarioPath)
	cfg.ReportPath = GetEnvOrDefault("LOADGRID_REPORT", cfg.ReportPath)
	if interval := os.Getenv("LOADGRID_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Aggregator.PollInterval = d
		}
	}
	if interval := os.Getenv("LOADGRID_CHECK_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Detector.CheckInterval = d
		}
	}
}

// GetEnvOrDefault returns an environment variable or a fallback.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
