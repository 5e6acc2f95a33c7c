package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-warden/internal/otel"
)

// LifecycleConfig bounds agent runtime and heartbeat staleness.
type LifecycleConfig struct {
	MaxRuntimeSeconds       int `yaml:"max_runtime_seconds"`       // forced stop after this runtime (default 180)
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds"` // staleness eviction (default 60)
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`    // periodic sweep (default 30)
	StopGraceSeconds        int `yaml:"stop_grace_seconds"`        // cooperative stop window (default 5)
	MaxTasks                int `yaml:"max_tasks"`                 // per-agent task bound, 0 = unbounded
}

// BreakerConfig holds circuit breaker defaults, overridable per agent.
type BreakerConfig struct {
	MaxFailures             int `yaml:"max_failures"`              // failures before opening (default 3)
	ResetTimeoutSeconds     int `yaml:"reset_timeout_seconds"`     // open cooldown (default 30)
	OperationTimeoutSeconds int `yaml:"operation_timeout_seconds"` // per-operation budget (default 8)
}

// ProcessorConfig tunes the task processor.
type ProcessorConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"` // progress heartbeat (default 5)
	// PayloadSchemaFile optionally points at a JSON Schema; payloads failing
	// validation are rejected at accept time.
	PayloadSchemaFile string `yaml:"payload_schema_file"`
	// CompletedIndexSize bounds the in-memory completed-task index (default 1024).
	CompletedIndexSize int `yaml:"completed_index_size"`
}

// CleanupConfig tunes the staged reclamation pipeline.
type CleanupConfig struct {
	ImmediateDelaySeconds int    `yaml:"immediate_delay_seconds"` // default 60
	DelayedDelaySeconds   int    `yaml:"delayed_delay_seconds"`   // default 86400 (24h)
	ArchivalDelaySeconds  int    `yaml:"archival_delay_seconds"`  // default 604800 (7d)
	SweepIntervalSeconds  int    `yaml:"sweep_interval_seconds"`  // default 60
	MaxRetries            int    `yaml:"max_retries"`             // default 3
	RetryDelaySeconds     int    `yaml:"retry_delay_seconds"`     // default 3600 (1h)
	HighErrorThreshold    int    `yaml:"high_error_threshold"`    // default 10
	RetentionDays         int    `yaml:"retention_days"`          // archive retention window (default 365)
	RetentionCron         string `yaml:"retention_cron"`          // prune schedule (default "0 3 * * *")
}

// NotifyConfig configures the best-effort completion notification sink.
type NotifyConfig struct {
	WebhookURL     string   `yaml:"webhook_url"`
	EmailTo        []string `yaml:"email_to"`
	TimeoutSeconds int      `yaml:"timeout_seconds"` // webhook timeout (default 10)
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel            string `yaml:"log_level"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"` // bounded shutdown wait (default 5)

	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Processor ProcessorConfig `yaml:"processor"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Notify    NotifyConfig    `yaml:"notify"`
	OTel      otel.Config     `yaml:"otel"`
}

// DefaultHomeDir returns ~/.warden, overridable via WARDEN_HOME.
func DefaultHomeDir() string {
	if dir := os.Getenv("WARDEN_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

// Load reads config.yaml from the home directory, applies env overrides, and
// normalizes defaults. A missing file yields the default config.
func Load() (*Config, error) {
	homeDir := DefaultHomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	cfg.Normalize()
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WARDEN_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("WARDEN_OTEL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.OTel.Enabled = b
		}
	}
	if v := os.Getenv("WARDEN_OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Endpoint = v
	}
}

// Normalize fills zero values with the documented defaults.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DrainTimeoutSeconds <= 0 {
		c.DrainTimeoutSeconds = 5
	}

	if c.Lifecycle.MaxRuntimeSeconds <= 0 {
		c.Lifecycle.MaxRuntimeSeconds = 180
	}
	if c.Lifecycle.HeartbeatTimeoutSeconds <= 0 {
		c.Lifecycle.HeartbeatTimeoutSeconds = 60
	}
	if c.Lifecycle.SweepIntervalSeconds <= 0 {
		c.Lifecycle.SweepIntervalSeconds = 30
	}
	if c.Lifecycle.StopGraceSeconds <= 0 {
		c.Lifecycle.StopGraceSeconds = 5
	}

	if c.Breaker.MaxFailures <= 0 {
		c.Breaker.MaxFailures = 3
	}
	if c.Breaker.ResetTimeoutSeconds <= 0 {
		c.Breaker.ResetTimeoutSeconds = 30
	}
	if c.Breaker.OperationTimeoutSeconds <= 0 {
		c.Breaker.OperationTimeoutSeconds = 8
	}

	if c.Processor.HeartbeatIntervalSeconds <= 0 {
		c.Processor.HeartbeatIntervalSeconds = 5
	}
	if c.Processor.CompletedIndexSize <= 0 {
		c.Processor.CompletedIndexSize = 1024
	}

	if c.Cleanup.ImmediateDelaySeconds <= 0 {
		c.Cleanup.ImmediateDelaySeconds = 60
	}
	if c.Cleanup.DelayedDelaySeconds <= 0 {
		c.Cleanup.DelayedDelaySeconds = 24 * 60 * 60
	}
	if c.Cleanup.ArchivalDelaySeconds <= 0 {
		c.Cleanup.ArchivalDelaySeconds = 7 * 24 * 60 * 60
	}
	if c.Cleanup.SweepIntervalSeconds <= 0 {
		c.Cleanup.SweepIntervalSeconds = 60
	}
	if c.Cleanup.MaxRetries <= 0 {
		c.Cleanup.MaxRetries = 3
	}
	if c.Cleanup.RetryDelaySeconds <= 0 {
		c.Cleanup.RetryDelaySeconds = 60 * 60
	}
	if c.Cleanup.HighErrorThreshold <= 0 {
		c.Cleanup.HighErrorThreshold = 10
	}
	if c.Cleanup.RetentionDays <= 0 {
		c.Cleanup.RetentionDays = 365
	}
	if c.Cleanup.RetentionCron == "" {
		c.Cleanup.RetentionCron = "0 3 * * *"
	}

	if c.Notify.TimeoutSeconds <= 0 {
		c.Notify.TimeoutSeconds = 10
	}
}

// Duration accessors keep call sites free of unit arithmetic.

func (c *LifecycleConfig) MaxRuntime() time.Duration {
	return time.Duration(c.MaxRuntimeSeconds) * time.Second
}

func (c *LifecycleConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *LifecycleConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *LifecycleConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

func (c *BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSeconds) * time.Second
}

func (c *BreakerConfig) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}

func (c *CleanupConfig) ImmediateDelay() time.Duration {
	return time.Duration(c.ImmediateDelaySeconds) * time.Second
}

func (c *CleanupConfig) DelayedDelay() time.Duration {
	return time.Duration(c.DelayedDelaySeconds) * time.Second
}

func (c *CleanupConfig) ArchivalDelay() time.Duration {
	return time.Duration(c.ArchivalDelaySeconds) * time.Second
}

func (c *CleanupConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *CleanupConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c *CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *NotifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Save writes the config back to config.yaml. Used by tests and tooling.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
