package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Logging      LoggingConfig      `yaml:"logging" mapstructure:"logging"`
	Metadata     MetadataConfig     `yaml:"metadata" mapstructure:"metadata"`
	Tags         TagConfig          `yaml:"tags" mapstructure:"tags"`
	Classifier   ClassifierConfig   `yaml:"classifier" mapstructure:"classifier"`
	Tokenization TokenizationConfig `yaml:"tokenization" mapstructure:"tokenization"`
	Postgres     DatabaseConfig     `yaml:"postgres" mapstructure:"postgres"`
	MySQL        DatabaseConfig     `yaml:"mysql" mapstructure:"mysql"`
	Warehouse    WarehouseConfig    `yaml:"warehouse" mapstructure:"warehouse"`
	Reporter     ReporterConfig     `yaml:"reporter" mapstructure:"reporter"`
	Lease        LeaseConfig        `yaml:"lease" mapstructure:"lease"`
	History      HistoryConfig      `yaml:"history" mapstructure:"history"`
	Listener     ListenerConfig     `yaml:"listener" mapstructure:"listener"`
	WebSocket    WebSocketConfig    `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Port           int           `yaml:"port" mapstructure:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	RequestsPerMin int           `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	JWTSecret      string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	MetricsEnabled bool          `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// MetadataConfig points at the external metadata service
type MetadataConfig struct {
	URL               string        `yaml:"url" mapstructure:"url"`
	Token             string        `yaml:"token" mapstructure:"token"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	Env               string        `yaml:"env" mapstructure:"env"`
}

// TagConfig names the tags that couple the service to the metadata store
type TagConfig struct {
	RunRequested string `yaml:"run_requested" mapstructure:"run_requested"`
	RunCompleted string `yaml:"run_completed" mapstructure:"run_completed"`
	PIIPrefix    string `yaml:"pii_prefix" mapstructure:"pii_prefix"`

	// FieldTokenized marks each field rewritten by a successful run. At most
	// one of StatusSuccess and StatusFailed is on a dataset.
	FieldTokenized string `yaml:"field_tokenized" mapstructure:"field_tokenized"`
	StatusSuccess  string `yaml:"status_success" mapstructure:"status_success"`
	StatusFailed   string `yaml:"status_failed" mapstructure:"status_failed"`
}

// ClassifierConfig contains PII classification settings
type ClassifierConfig struct {
	RulesPath    string   `yaml:"rules_path" mapstructure:"rules_path"`
	EnabledRules []string `yaml:"enabled_rules" mapstructure:"enabled_rules"`
	SampleSize   int      `yaml:"sample_size" mapstructure:"sample_size"`
	MinSamples   int      `yaml:"min_samples" mapstructure:"min_samples"`
	WatchRules   bool     `yaml:"watch_rules" mapstructure:"watch_rules"`
	EmitTags     bool     `yaml:"emit_tags" mapstructure:"emit_tags"`
	DryRun       bool     `yaml:"dry_run" mapstructure:"dry_run"`
	ParquetRoot  string   `yaml:"parquet_root" mapstructure:"parquet_root"`
}

// TokenizationConfig bounds a single run
type TokenizationConfig struct {
	DefaultLimit     int           `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit         int           `yaml:"max_limit" mapstructure:"max_limit"`
	MaxColumns       int           `yaml:"max_columns" mapstructure:"max_columns"`
	DryRun           bool          `yaml:"dry_run" mapstructure:"dry_run"`
	RunTimeout       time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	DefaultNamespace string        `yaml:"default_namespace" mapstructure:"default_namespace"`
	Platforms        []string      `yaml:"platforms" mapstructure:"platforms"`
	RunIDPrefix      string        `yaml:"run_id_prefix" mapstructure:"run_id_prefix"`
}

// TenantCredential is a least-privilege database login for one tenant
type TenantCredential struct {
	Tenant     string `yaml:"tenant" mapstructure:"tenant"`
	Username   string `yaml:"username" mapstructure:"username"`
	Password   string `yaml:"password" mapstructure:"password"`
	Role       string `yaml:"role" mapstructure:"role"`
	SearchPath string `yaml:"search_path" mapstructure:"search_path"`
	Namespace  string `yaml:"namespace" mapstructure:"namespace"`
}

// DatabaseConfig contains connection settings for a transactional row store
type DatabaseConfig struct {
	Host              string             `yaml:"host" mapstructure:"host"`
	Port              int                `yaml:"port" mapstructure:"port"`
	Database          string             `yaml:"database" mapstructure:"database"`
	SSLMode           string             `yaml:"sslmode" mapstructure:"sslmode"`
	ApplicationName   string             `yaml:"application_name" mapstructure:"application_name"`
	ConnectTimeout    time.Duration      `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	DefaultSearchPath string             `yaml:"default_search_path" mapstructure:"default_search_path"`
	MaxOpenConns      int                `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns      int                `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration      `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	Tenants           []TenantCredential `yaml:"tenants" mapstructure:"tenants"`
}

// WarehouseConfig contains Databricks SQL warehouse settings
type WarehouseConfig struct {
	Host     string             `yaml:"host" mapstructure:"host"`
	Port     int                `yaml:"port" mapstructure:"port"`
	HTTPPath string             `yaml:"http_path" mapstructure:"http_path"`
	Timeout  time.Duration      `yaml:"timeout" mapstructure:"timeout"`
	MaxConns int                `yaml:"max_conns" mapstructure:"max_conns"`
	Tenants  []TenantCredential `yaml:"tenants" mapstructure:"tenants"`
}

// ReporterConfig controls status writes to the metadata store
type ReporterConfig struct {
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed" mapstructure:"max_elapsed"`
	Archive         ArchiveConfig `yaml:"archive" mapstructure:"archive"`
}

// ArchiveConfig enables copying terminal run payloads to S3
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// LeaseConfig selects how dataset mutual exclusion is enforced
type LeaseConfig struct {
	Backend   string        `yaml:"backend" mapstructure:"backend"` // memory or redis
	RedisURL  string        `yaml:"redis_url" mapstructure:"redis_url"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	PoolSize  int           `yaml:"pool_size" mapstructure:"pool_size"`
}

// HistoryConfig controls the local run history store
type HistoryConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	InMemory bool   `yaml:"in_memory" mapstructure:"in_memory"`
}

// ListenerConfig controls tag polling and the run work queue
type ListenerConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size"`
	Workers       int           `yaml:"workers" mapstructure:"workers"`
	RetryCooldown time.Duration `yaml:"retry_cooldown" mapstructure:"retry_cooldown"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Path     string `yaml:"path" mapstructure:"path"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Enabled:        true,
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestsPerMin: 120,
			MetricsEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metadata: MetadataConfig{
			URL:               "http://localhost:8080",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 20,
			Burst:             10,
			Env:               "PROD",
		},
		Tags: TagConfig{
			RunRequested: "urn:li:tag:tokenize-now",
			RunCompleted: "urn:li:tag:tokenized",
			PIIPrefix:    "urn:li:tag:pii-",

			FieldTokenized: "urn:li:tag:tokenized-field",
			StatusSuccess:  "urn:li:tag:tokenization-success",
			StatusFailed:   "urn:li:tag:tokenization-failed",
		},
		Classifier: ClassifierConfig{
			RulesPath:    "configs/rules.yaml",
			EnabledRules: []string{"all"},
			SampleSize:   200,
			MinSamples:   5,
			WatchRules:   true,
			EmitTags:     true,
		},
		Tokenization: TokenizationConfig{
			DefaultLimit:     100,
			MaxLimit:         10000,
			MaxColumns:       20,
			RunTimeout:       5 * time.Minute,
			DefaultNamespace: "poc",
			Platforms:        []string{"postgres"},
			RunIDPrefix:      "tokenize",
		},
		Postgres: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "sandbox",
			SSLMode:         "disable",
			ApplicationName: "pii-tokenizer",
			ConnectTimeout:  10 * time.Second,
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		MySQL: DatabaseConfig{
			Host:            "localhost",
			Port:            3306,
			ConnectTimeout:  10 * time.Second,
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Warehouse: WarehouseConfig{
			Port:     443,
			Timeout:  2 * time.Minute,
			MaxConns: 2,
		},
		Reporter: ReporterConfig{
			MaxRetries:      5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxElapsed:      time.Minute,
			Archive: ArchiveConfig{
				Prefix: "tokenization-runs",
			},
		},
		Lease: LeaseConfig{
			Backend:   "memory",
			TTL:       15 * time.Minute,
			KeyPrefix: "pii-tokenizer",
			PoolSize:  10,
		},
		History: HistoryConfig{
			Path: "data/history",
		},
		Listener: ListenerConfig{
			Enabled:       true,
			PollInterval:  30 * time.Second,
			QueueSize:     64,
			Workers:       4,
			RetryCooldown: 15 * time.Minute,
		},
		WebSocket: WebSocketConfig{
			Enabled: true,
			Path:    "/ws",
		},
	}
	cfg.Logging.File.Path = "logs/tokenizer.log"
	return cfg
}
