// Package config loads xmover settings from the environment, an optional
// .env file and an optional YAML config file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config represents the complete application configuration
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection" validate:"-"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ConnectionConfig describes how to reach the CrateDB HTTP endpoint.
// Timeouts and delays are in seconds, matching the CRATE_* variables.
type ConnectionConfig struct {
	URL              string  `mapstructure:"url" validate:"required,url"`
	Username         string  `mapstructure:"username"`
	Password         string  `mapstructure:"password"`
	SSLVerify        string  `mapstructure:"ssl_verify" validate:"omitempty,oneof=true false auto"`
	QueryTimeout     float64 `mapstructure:"query_timeout" validate:"gt=0"`
	DiscoveryTimeout float64 `mapstructure:"discovery_timeout" validate:"gt=0"`
	MaxRetries       int     `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay       float64 `mapstructure:"retry_delay" validate:"gte=0"`
	MaxQPS           float64 `mapstructure:"max_qps" validate:"gte=0"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	OutputPath string `mapstructure:"output_path"` // "stderr", "stdout" or a file path
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	TimeFormat string `mapstructure:"time_format"`
}

// JournalConfig controls the local audit journal of executed statements.
type JournalConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	Passphrase string `mapstructure:"passphrase"`
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

var validate = validator.New()

// Validate validates everything except the connection, which is only
// required by commands that talk to the cluster.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal enabled but journal.path is empty")
	}
	return nil
}

// Validate checks the connection settings.
func (c *ConnectionConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("CRATE_CONNECTION_STRING environment variable is required")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid connection settings: %w", err)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid connection string: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("connection string must use http or https, got %q", u.Scheme)
	}
	return nil
}

// QueryTimeoutDuration returns the default per-query timeout.
func (c *ConnectionConfig) QueryTimeoutDuration() time.Duration {
	return seconds(c.QueryTimeout)
}

// DiscoveryTimeoutDuration returns the timeout used for system-table discovery queries.
func (c *ConnectionConfig) DiscoveryTimeoutDuration() time.Duration {
	return seconds(c.DiscoveryTimeout)
}

// RetryDelayDuration returns the base retry delay.
func (c *ConnectionConfig) RetryDelayDuration() time.Duration {
	return seconds(c.RetryDelay)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// DefaultJournalPath returns ~/.xmover/journal.db, or a relative path when
// the home directory cannot be determined.
func DefaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".xmover", "journal.db")
	}
	return filepath.Join(home, ".xmover", "journal.db")
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			QueryTimeout:     30,
			DiscoveryTimeout: 10,
			MaxRetries:       3,
			RetryDelay:       1.0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			TimeFormat: "RFC3339",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    DefaultJournalPath(),
		},
	}
}
