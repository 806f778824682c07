package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadOptions selects the optional files consulted by Load.
type LoadOptions struct {
	ConfigFile string // YAML file, optional
	EnvFile    string // dotenv file, optional; missing file is not an error
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"connection.url":               "CRATE_CONNECTION_STRING",
	"connection.username":          "CRATE_USERNAME",
	"connection.password":          "CRATE_PASSWORD",
	"connection.ssl_verify":        "CRATE_SSL_VERIFY",
	"connection.query_timeout":     "CRATE_QUERY_TIMEOUT",
	"connection.discovery_timeout": "CRATE_DISCOVERY_TIMEOUT",
	"connection.max_retries":       "CRATE_MAX_RETRIES",
	"connection.retry_delay":       "CRATE_RETRY_DELAY",
	"connection.max_qps":           "CRATE_MAX_QPS",
	"logging.level":                "XMOVER_LOG_LEVEL",
	"logging.format":               "XMOVER_LOG_FORMAT",
	"logging.output_path":          "XMOVER_LOG_FILE",
	"journal.enabled":              "XMOVER_JOURNAL",
	"journal.path":                 "XMOVER_JOURNAL_PATH",
	"journal.passphrase":           "XMOVER_JOURNAL_PASSPHRASE",
	"metrics.textfile_path":        "XMOVER_METRICS_FILE",
}

// Load loads configuration from defaults, the config file, the .env file and
// the process environment, in increasing order of precedence.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadDotEnv(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("connection.url", "")
	v.SetDefault("connection.username", "")
	v.SetDefault("connection.password", "")
	v.SetDefault("connection.ssl_verify", "")
	v.SetDefault("connection.query_timeout", d.Connection.QueryTimeout)
	v.SetDefault("connection.discovery_timeout", d.Connection.DiscoveryTimeout)
	v.SetDefault("connection.max_retries", d.Connection.MaxRetries)
	v.SetDefault("connection.retry_delay", d.Connection.RetryDelay)
	v.SetDefault("connection.max_qps", 0)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.time_format", d.Logging.TimeFormat)

	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("journal.passphrase", "")

	v.SetDefault("metrics.textfile_path", "")
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Connection.SSLVerify = strings.ToLower(strings.TrimSpace(cfg.Connection.SSLVerify))
	cfg.Connection.URL = strings.TrimSpace(cfg.Connection.URL)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports the variables of a dotenv file into the process
// environment. Variables that are already set win.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat env file %s: %w", path, err)
	}

	dv := viper.New()
	dv.SetConfigFile(path)
	dv.SetConfigType("env")
	if err := dv.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	for _, key := range dv.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, dv.GetString(key)); err != nil {
			return fmt.Errorf("failed to export %s: %w", name, err)
		}
	}
	return nil
}
