// Package config loads runtime configuration from environment variables,
// with an optional YAML profile file layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration.
type Config struct {
	// DatabaseURL is the event store connection string. postgres:// URLs use
	// the pq driver; anything else is treated as a SQLite DSN.
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`
	// FuelBudget is the default compute budget for loaded modules when the
	// guest does not pass its own.
	FuelBudget uint64 `yaml:"fuel_budget"`
	// MemoryLimitBytes caps each sandboxed module's linear memory.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes"`
	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

// Load reads configuration from environment variables, falling back to
// defaults.
func Load() *Config {
	cfg := &Config{
		DatabaseURL:      "halyard.db",
		LogLevel:         "INFO",
		FuelBudget:       1_000_000,
		MemoryLimitBytes: 64 * 1024 * 1024,
	}

	if v := os.Getenv("HALYARD_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("HALYARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HALYARD_FUEL_BUDGET"); v != "" {
		if budget, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.FuelBudget = budget
		}
	}
	if v := os.Getenv("HALYARD_MEMORY_LIMIT_BYTES"); v != "" {
		if limit, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MemoryLimitBytes = limit
		}
	}
	if v := os.Getenv("HALYARD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
		cfg.TracingEnabled = true
	}

	return cfg
}

// LoadProfile overlays a YAML profile file on top of the given config.
// Zero-valued profile fields leave the base untouched.
func LoadProfile(base *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", path, err)
	}

	var profile Config
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", path, err)
	}

	merged := *base
	if profile.DatabaseURL != "" {
		merged.DatabaseURL = profile.DatabaseURL
	}
	if profile.LogLevel != "" {
		merged.LogLevel = profile.LogLevel
	}
	if profile.FuelBudget != 0 {
		merged.FuelBudget = profile.FuelBudget
	}
	if profile.MemoryLimitBytes != 0 {
		merged.MemoryLimitBytes = profile.MemoryLimitBytes
	}
	if profile.OTLPEndpoint != "" {
		merged.OTLPEndpoint = profile.OTLPEndpoint
		merged.TracingEnabled = true
	}
	return &merged, nil
}
