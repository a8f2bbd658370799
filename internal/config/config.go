package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	// Configure viper
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/pii-tokenizer/")
	v.AddConfigPath("$HOME/.pii-tokenizer/")

	// Environment variable overrides
	v.SetEnvPrefix("TOKENIZER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v)

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read configuration
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnv registers keys that have no file value so AutomaticEnv can see them
// during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"metadata.url",
		"metadata.token",
		"server.port",
		"server.jwt_secret",
		"logging.level",
		"tokenization.dry_run",
		"tokenization.max_columns",
		"tokenization.max_limit",
		"classifier.rules_path",
		"classifier.sample_size",
		"classifier.min_samples",
		"lease.backend",
		"lease.redis_url",
		"postgres.host",
		"postgres.port",
		"postgres.database",
		"warehouse.host",
		"warehouse.http_path",
		"reporter.archive.bucket",
	} {
		_ = v.BindEnv(key)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Classifier.SampleSize <= 0 {
		return fmt.Errorf("invalid classifier sample size: %d", config.Classifier.SampleSize)
	}

	if config.Classifier.MinSamples < 0 {
		return fmt.Errorf("invalid classifier min samples: %d", config.Classifier.MinSamples)
	}

	t := config.Tokenization
	if t.MaxLimit <= 0 {
		return fmt.Errorf("invalid max limit: %d", t.MaxLimit)
	}

	if t.DefaultLimit <= 0 || t.DefaultLimit > t.MaxLimit {
		return fmt.Errorf("invalid default limit: %d (must be between 1 and %d)", t.DefaultLimit, t.MaxLimit)
	}

	if t.MaxColumns < 0 {
		return fmt.Errorf("invalid max columns: %d", t.MaxColumns)
	}

	if len(t.Platforms) == 0 {
		return fmt.Errorf("at least one tokenization platform must be enabled")
	}

	for _, p := range t.Platforms {
		if p != "postgres" && p != "mysql" && p != "databricks" {
			return fmt.Errorf("unsupported platform: %s (must be postgres, mysql, or databricks)", p)
		}
	}

	if config.Lease.Backend != "memory" && config.Lease.Backend != "redis" {
		return fmt.Errorf("invalid lease backend: %s (must be memory or redis)", config.Lease.Backend)
	}

	if config.Lease.Backend == "redis" && config.Lease.RedisURL == "" {
		return fmt.Errorf("lease.redis_url is required for the redis lease backend")
	}

	// The lease is held through the run and its status report, and is never renewed
	if config.Lease.Backend == "redis" && config.Lease.TTL <= t.RunTimeout+config.Reporter.MaxElapsed {
		return fmt.Errorf("lease.ttl %s must exceed tokenization.run_timeout + reporter.max_elapsed (%s)",
			config.Lease.TTL, t.RunTimeout+config.Reporter.MaxElapsed)
	}

	if config.Tags.RunRequested == "" || config.Tags.PIIPrefix == "" {
		return fmt.Errorf("tags.run_requested and tags.pii_prefix are required")
	}

	if config.Tags.StatusSuccess != "" && config.Tags.StatusSuccess == config.Tags.StatusFailed {
		return fmt.Errorf("tags.status_success and tags.status_failed must differ")
	}

	if config.Listener.Workers <= 0 || config.Listener.QueueSize <= 0 {
		return fmt.Errorf("listener workers and queue size must be positive")
	}

	if config.Reporter.Archive.Enabled && config.Reporter.Archive.Bucket == "" {
		return fmt.Errorf("reporter.archive.bucket is required when the archive is enabled")
	}

	return nil
}

// Watch starts watching the configuration file for changes. Only settings that are
// safe to swap at runtime are meant to be read from the new value.
func Watch(v *viper.Viper, callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			// Keep the previous configuration
			return
		}

		if err := validateConfig(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})
}

// LoadAndWatch loads configuration like Load and, when a file was read, calls
// onChange with every later edit that still validates
func LoadAndWatch(configPath string, onChange func(*Config)) (*Config, error) {
	v := viper.New()
	cfg, err := load(v, configPath)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() != "" && onChange != nil {
		Watch(v, onChange)
	}
	return cfg, nil
}
