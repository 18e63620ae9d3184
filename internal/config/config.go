// Package config loads the pipeline's startup configuration: a YAML
// file for structural settings plus environment-variable resolution for
// secret material, mirroring the env-var-with-fallback style of the
// teacher's configs/config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full startup configuration (spec §6).
type Config struct {
	GameRulesFile string `yaml:"game_rules_file"`
	InstallDir    string `yaml:"install_dir"`
	OutputDir     string `yaml:"output_dir"`
	DatabasePath  string `yaml:"database_path"`

	ReplayBinary string `yaml:"replay_binary"`

	Polling  PollingConfig  `yaml:"polling"`
	Retry    RetryConfig    `yaml:"retry"`
	Security SecurityConfig `yaml:"security"`

	BotNotifier *BotNotifierConfig `yaml:"bot_notifier"`
	Archive     *ArchiveConfig     `yaml:"archive"`

	OpServer OpServerConfig `yaml:"op_server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// PollingConfig is spec §4.5's poll loop configuration.
type PollingConfig struct {
	PollIntervalSeconds uint64 `yaml:"poll_interval_seconds"`
	LookbackDays        uint64 `yaml:"lookback_days"`
	TrackedServiceURL   string `yaml:"tracked_service_url"`
}

// Interval returns the configured poll interval, defaulting per spec §4.5.
func (p PollingConfig) Interval() time.Duration {
	if p.PollIntervalSeconds == 0 {
		return 3600 * time.Second
	}
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// Cutoff returns the fallback high-water mark for a never-seen pair.
func (p PollingConfig) Cutoff(now time.Time) time.Time {
	days := p.LookbackDays
	if days == 0 {
		days = 30
	}
	return now.AddDate(0, 0, -int(days))
}

// RetryConfig mirrors retrytax.Config's fields for YAML loading; the
// daemon translates this into a retrytax.Config at startup so the
// scheduler package itself stays free of a YAML dependency.
type RetryConfig struct {
	MaxAttempts        uint32  `yaml:"max_attempts"`
	InitialBackoffSecs uint64  `yaml:"initial_backoff_seconds"`
	MaxBackoffSecs     uint64  `yaml:"max_backoff_seconds"`
	BackoffMultiplier  float64 `yaml:"backoff_multiplier"`
}

// SecurityConfig mirrors dispatch.SecurityConfig's fields for YAML loading.
type SecurityConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size_bytes"`
	MaxExtractedSize  int64    `yaml:"max_extracted_size_bytes"`
	MaxZipEntries     int      `yaml:"max_zip_entries"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MinFreeDiskBytes  uint64   `yaml:"min_free_disk_bytes"`
}

// BotNotifierConfig configures the notifier (G). Omitting the whole
// bot_notifier section in YAML disables the notifier (spec §6).
type BotNotifierConfig struct {
	BotURL               string `yaml:"bot_url"`
	RetryIntervalSeconds uint64 `yaml:"retry_interval_seconds"`
	AuthToken            string `yaml:"-"` // resolved from RUNNER_STATUS_AUTH_TOKEN
}

// RetryInterval returns the configured bulk-retry tick period, defaulting
// per spec §6.
func (b BotNotifierConfig) RetryInterval() time.Duration {
	if b.RetryIntervalSeconds == 0 {
		return 1800 * time.Second
	}
	return time.Duration(b.RetryIntervalSeconds) * time.Second
}

// ArchiveConfig configures optional remote archival (SPEC_FULL supplement
// #2a). Omitting the whole section disables archival and only the
// local-scratch-cleanup step runs.
type ArchiveConfig struct {
	Backend         string `yaml:"backend"` // "s3" or "local"
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	LocalPath       string `yaml:"local_path"`
	AccessKeyID     string `yaml:"-"` // resolved from ARCHIVE_ACCESS_KEY_ID
	SecretAccessKey string `yaml:"-"` // resolved from ARCHIVE_SECRET_ACCESS_KEY
}

// OpServerConfig configures the narrow /healthz + /metrics server.
type OpServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig mirrors the teacher's logging.Config fields for YAML
// loading.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// TracingConfig configures optional span export.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"` // falls back to OTEL_EXPORTER_OTLP_ENDPOINT if empty
}

// Load reads and parses a YAML config file at path, then resolves secret
// fields from the environment. Secrets are never read from the file
// itself (spec §6 "Environment").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if cfg.BotNotifier != nil {
		cfg.BotNotifier.AuthToken = getEnv("RUNNER_STATUS_AUTH_TOKEN", "")
		if cfg.BotNotifier.AuthToken == "" {
			return nil, fmt.Errorf("bot_notifier is configured but RUNNER_STATUS_AUTH_TOKEN is not set")
		}
	}

	if cfg.Archive != nil && cfg.Archive.Backend == "s3" {
		cfg.Archive.AccessKeyID = getEnv("ARCHIVE_ACCESS_KEY_ID", "")
		cfg.Archive.SecretAccessKey = getEnv("ARCHIVE_SECRET_ACCESS_KEY", "")
	}

	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.GameRulesFile == "":
		return fmt.Errorf("game_rules_file is required")
	case c.InstallDir == "":
		return fmt.Errorf("install_dir is required")
	case c.OutputDir == "":
		return fmt.Errorf("output_dir is required")
	case c.DatabasePath == "":
		return fmt.Errorf("database_path is required")
	case c.Polling.TrackedServiceURL == "":
		return fmt.Errorf("polling.tracked_service_url is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
