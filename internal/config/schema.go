package config

import (
	"time"

	"github.com/millrace/millrace/internal/breaker"
	"github.com/millrace/millrace/internal/cost"
	"github.com/millrace/millrace/internal/scaling"
)

// Config holds millrace configuration.
// Loaded from ./config.yaml or ~/.millrace/config.yaml.
type Config struct {
	Server    ServerCfg             `mapstructure:"server" yaml:"server"`
	Store     StoreCfg              `mapstructure:"store" yaml:"store"`
	APIKeys   map[string]string     `mapstructure:"api_keys" yaml:"api_keys"`
	Inference InferenceCfg          `mapstructure:"inference" yaml:"inference"`
	Breaker   BreakerCfg            `mapstructure:"breaker" yaml:"breaker"`
	Breakers  map[string]BreakerCfg `mapstructure:"breakers" yaml:"breakers"`
	// Dependencies maps a stage to the named dependency its executors call,
	// so admission can consult that dependency's circuit breaker.
	Dependencies map[string]string `mapstructure:"dependencies" yaml:"dependencies"`
	Cost         CostCfg           `mapstructure:"cost" yaml:"cost"`
	Trace        TraceCfg          `mapstructure:"trace" yaml:"trace"`
	Idempotency  IdempotencyCfg    `mapstructure:"idempotency" yaml:"idempotency"`
	// Stages overrides the built-in per-stage capacity policy. Only the
	// stages listed here are replaced; the rest keep their defaults.
	Stages map[string]scaling.StageConfig `mapstructure:"stages" yaml:"stages"`
}

// ServerCfg configures the HTTP server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// StoreCfg selects and configures the record store backend.
type StoreCfg struct {
	// Backend is "postgres" or "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// DatabaseURL is the Postgres connection string. Supports ${ENV_VAR}
	// syntax. Empty with Managed=true derives the URL from the container.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
	// Managed runs the Postgres container via Docker on serve.
	Managed bool `mapstructure:"managed" yaml:"managed"`
	// ContainerName is the Docker container name (default: millrace-postgres).
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use (default: postgres:16-alpine).
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 5432).
	Port string `mapstructure:"port" yaml:"port"`
}

// InferenceCfg configures the AI inference backend.
type InferenceCfg struct {
	// Provider is "openai" or "mock".
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	// TimeoutSeconds bounds one completion request.
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// BreakerCfg tunes a circuit breaker.
type BreakerCfg struct {
	FailureThreshold    int   `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeoutMs      int64 `mapstructure:"reset_timeout_ms" yaml:"reset_timeout_ms"`
	HalfOpenMaxAttempts int   `mapstructure:"half_open_max_attempts" yaml:"half_open_max_attempts"`
}

// CostCfg holds the system-wide daily ceilings.
type CostCfg struct {
	MaxDailyCostUSD   float64 `mapstructure:"max_daily_cost_usd" yaml:"max_daily_cost_usd"`
	MaxDailyDocuments int64   `mapstructure:"max_daily_documents" yaml:"max_daily_documents"`
}

// TraceCfg tunes the batched trace sink.
type TraceCfg struct {
	BatchSize       int   `mapstructure:"batch_size" yaml:"batch_size"`
	FlushIntervalMs int64 `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms"`
	QueueSize       int   `mapstructure:"queue_size" yaml:"queue_size"`
}

// IdempotencyCfg tunes the idempotency store.
type IdempotencyCfg struct {
	TTLHours         int   `mapstructure:"ttl_hours" yaml:"ttl_hours"`
	WaitAttempts     uint  `mapstructure:"wait_attempts" yaml:"wait_attempts"`
	WaitDelayMs      int64 `mapstructure:"wait_delay_ms" yaml:"wait_delay_ms"`
	SweepIntervalMin int   `mapstructure:"sweep_interval_min" yaml:"sweep_interval_min"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Store: StoreCfg{
			Backend:       "memory",
			Managed:       false,
			ContainerName: "millrace-postgres",
			Image:         "postgres:16-alpine",
			Port:          "5432",
		},
		APIKeys: map[string]string{
			"openai": "${OPENAI_API_KEY}",
		},
		Inference: InferenceCfg{
			Provider:       "mock",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Breaker: BreakerCfg{
			FailureThreshold:    5,
			ResetTimeoutMs:      30000,
			HalfOpenMaxAttempts: 2,
		},
		Dependencies: map[string]string{
			"summarization": "openai",
			"indexing":      "openai",
		},
		Cost: CostCfg{
			MaxDailyCostUSD:   250,
			MaxDailyDocuments: 5000,
		},
		Trace: TraceCfg{
			BatchSize:       50,
			FlushIntervalMs: 2000,
			QueueSize:       1000,
		},
		Idempotency: IdempotencyCfg{
			TTLHours:         24,
			WaitAttempts:     10,
			WaitDelayMs:      100,
			SweepIntervalMin: 60,
		},
	}
}

// ResolveAPIKey returns the named API key with ${ENV_VAR} references
// expanded.
func (c *Config) ResolveAPIKey(name string) string {
	return ResolveEnvVars(c.APIKeys[name])
}

// ToBreakerDefaults converts the base breaker section.
func (c *Config) ToBreakerDefaults() breaker.Config {
	return c.Breaker.toBreakerConfig()
}

// BreakerOverrides returns per-dependency breaker configs.
func (c *Config) BreakerOverrides() map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(c.Breakers))
	for name, b := range c.Breakers {
		out[name] = b.toBreakerConfig()
	}
	return out
}

func (b BreakerCfg) toBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:    b.FailureThreshold,
		ResetTimeout:        time.Duration(b.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMaxAttempts: b.HalfOpenMaxAttempts,
	}
}

// ToStageConfigs overlays the configured stage overrides on the built-in
// policy.
func (c *Config) ToStageConfigs() map[string]scaling.StageConfig {
	configs := scaling.DefaultStageConfigs()
	for stage, override := range c.Stages {
		configs[stage] = override
	}
	return configs
}

// ToCostLimits converts the cost section.
func (c *Config) ToCostLimits() cost.Limits {
	return cost.Limits{
		MaxDailyCostUSD:   c.Cost.MaxDailyCostUSD,
		MaxDailyDocuments: c.Cost.MaxDailyDocuments,
	}
}

// StageDailyLimits extracts each stage's daily budget for alerting.
func (c *Config) StageDailyLimits() map[string]float64 {
	return scaling.StageDailyLimits(c.ToStageConfigs())
}
