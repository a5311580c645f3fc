// Package config provides configuration management for quotagate.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server          ServerConfig             `toml:"server"`
	Telemetry       TelemetryConfig          `toml:"telemetry"`
	Backend         BackendConfig            `toml:"backend"`
	Memory          MemoryConfig             `toml:"memory"`
	Models          map[string]ModelConfig   `toml:"models"`
	JobTypes        map[string]JobTypeConfig `toml:"job_types"`
	EscalationOrder []string                 `toml:"escalation_order"`
}

// ServerConfig carries the metrics listener settings used by the demo
// command; the rate-limiting core itself exposes no HTTP surface.
type ServerConfig struct {
	MetricsPort int    `toml:"metrics_port"`
	BindAddress string `toml:"bind_address"`
}

// TelemetryConfig controls structured logging for the demo command.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
	LogFormat   string `toml:"log_format"` // "json" or "pretty"
	LogLevel    string `toml:"log_level"`
}

// BackendConfig selects and tunes the distributed coordination backend.
type BackendConfig struct {
	Driver              string `toml:"driver"` // "redis" or "memory"
	Addr                string `toml:"addr"`
	KeyPrefix           string `toml:"key_prefix"`
	HeartbeatIntervalMs int64  `toml:"heartbeat_interval_ms"`
	InstanceTimeoutMs   int64  `toml:"instance_timeout_ms"`
	ReapIntervalMs      int64  `toml:"reap_interval_ms"`
}

// MemoryConfig tunes the process memory budget. FreeMemoryRatio of 0 means
// the memory dimension is unconfigured (RateLimiter skips it).
type MemoryConfig struct {
	FreeMemoryRatio         float64 `toml:"free_memory_ratio"`
	MinCapacityKB           int64   `toml:"min_capacity_kb"`
	MaxCapacityKB           int64   `toml:"max_capacity_kb"`
	RecalculationIntervalMs int64   `toml:"recalculation_interval_ms"`
}

// Enabled reports whether the memory dimension should be constructed.
func (m MemoryConfig) Enabled() bool {
	return m.FreeMemoryRatio > 0
}

// ModelConfig declares one model's quota dimensions. A zero field means that
// dimension is unconfigured; pointers are materialized by ToModels.
type ModelConfig struct {
	RequestsPerMinute     int64   `toml:"requests_per_minute"`
	RequestsPerDay        int64   `toml:"requests_per_day"`
	TokensPerMinute       int64   `toml:"tokens_per_minute"`
	TokensPerDay          int64   `toml:"tokens_per_day"`
	MaxConcurrentRequests int64   `toml:"max_concurrent_requests"`
	MinCapacity           int64   `toml:"min_capacity"`
	MaxCapacity           int64   `toml:"max_capacity"`
	InputPerMillion       float64 `toml:"input_cost_per_million"`
	CachedPerMillion      float64 `toml:"cached_cost_per_million"`
	OutputPerMillion      float64 `toml:"output_cost_per_million"`
}

// JobTypeConfig declares one job type's resource estimates. RatioSpecified
// distinguishes "no ratio configured" (the JobTypeManager shares the
// remainder evenly) from an explicit ratio_initial_value of 0.
type JobTypeConfig struct {
	EstimatedNumberOfRequests int64            `toml:"estimated_number_of_requests"`
	EstimatedUsedTokens       int64            `toml:"estimated_used_tokens"`
	EstimatedUsedMemoryKB     int64            `toml:"estimated_used_memory_kb"`
	RatioSpecified            bool             `toml:"ratio_specified"`
	RatioInitialValue         float64          `toml:"ratio_initial_value"`
	RatioFlexible             bool             `toml:"ratio_flexible"`
	MaxWaitMsPerModel         map[string]int64 `toml:"max_wait_ms_per_model"`
}

// Default returns a minimal single-model default configuration: one model
// named "default" bounded only by concurrency, one job type named "default".
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsPort: 9090,
			BindAddress: "0.0.0.0",
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "quotagate",
			LogFormat:   "json",
			LogLevel:    "info",
		},
		Backend: BackendConfig{
			Driver:              "memory",
			KeyPrefix:           "quotagate",
			HeartbeatIntervalMs: 5000,
			InstanceTimeoutMs:   30000,
			ReapIntervalMs:      10000,
		},
		Models: map[string]ModelConfig{
			"default": {MaxConcurrentRequests: 1},
		},
		JobTypes: map[string]JobTypeConfig{
			"default": {EstimatedNumberOfRequests: 1},
		},
		EscalationOrder: []string{"default"},
	}
}

// Load reads TOML config from path on top of defaults, then applies
// QUOTAGATE_* environment overrides. A missing file is not an error: the
// defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadOrDefault loads config from path, falling back to defaults (with a
// warning on stderr) on any error.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotagate: failed to load config from %s: %v\n", path, err)
		return Default()
	}
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUOTAGATE_BACKEND_DRIVER"); v != "" {
		c.Backend.Driver = v
	}
	if v := os.Getenv("QUOTAGATE_BACKEND_ADDR"); v != "" {
		c.Backend.Addr = v
	}
	if v := os.Getenv("QUOTAGATE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("QUOTAGATE_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
}
