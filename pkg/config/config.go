// Package config loads and validates the scheduler configuration and the
// credential import file, with optional hot reload of credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/telemetry"
)

// Config is the top-level scheduler configuration.
type Config struct {
	// Database contains the SQLite store configuration.
	Database DatabaseConfig `yaml:"database"`

	// Scheduler contains worker pool tuning.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Credentials points at the credential import file.
	Credentials CredentialsConfig `yaml:"credentials"`

	// Telemetry contains logging, metrics and tracing configuration.
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`
}

// SchedulerConfig tunes the worker pool.
type SchedulerConfig struct {
	// Workers is the number of concurrent worker goroutines.
	Workers int `yaml:"workers" validate:"min=1,max=128"`

	// PollInterval is the pacing interval between scheduling ticks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SelectLimit caps how many ready intentions a tick admits per user
	// and kind.
	SelectLimit int `yaml:"select_limit" validate:"min=1"`

	// MaxUsers caps how many users a tick considers.
	MaxUsers int `yaml:"max_users" validate:"min=1"`

	// JobLogsDir is where per-job log files are written. Empty disables
	// per-job sinks.
	JobLogsDir string `yaml:"job_logs_dir"`

	// RawCommand is the external collector invoked for raw jobs. The
	// repository URL is appended as the final argument.
	RawCommand []string `yaml:"raw_command"`

	// EnrichCommand is the external enricher invoked for enrich jobs.
	EnrichCommand []string `yaml:"enrich_command"`
}

// CredentialsConfig configures credential import.
type CredentialsConfig struct {
	// File is the YAML credential file path.
	File string `yaml:"file"`

	// Watch enables hot reload of the credential file.
	Watch bool `yaml:"watch"`
}

// Default returns a configuration with sane defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "poolsched.db",
		},
		Scheduler: SchedulerConfig{
			Workers:      4,
			PollInterval: 5 * time.Second,
			SelectLimit:  1,
			MaxUsers:     4,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads, decodes and validates a configuration file. Missing fields
// keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll_interval must be positive, got %s", c.Scheduler.PollInterval)
	}

	if c.Credentials.Watch && c.Credentials.File == "" {
		return fmt.Errorf("credentials watch enabled but no credentials file configured")
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry configuration: %w", err)
		}
	}

	return nil
}
