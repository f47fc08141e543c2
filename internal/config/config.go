// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Run        RunConfig        `mapstructure:"run"`
	Limiter    LimiterConfig    `mapstructure:"limiter"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	DB         DBConfig         `mapstructure:"db"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RunConfig names the input and working files of a harvest run.
type RunConfig struct {
	BacklogFile     string   `mapstructure:"backlog_file"`
	OutputDir       string   `mapstructure:"output_dir"`
	RecordLog       string   `mapstructure:"record_log"`
	FailedFile      string   `mapstructure:"failed_file"`
	IdentityFields  []string `mapstructure:"identity_fields"`
	RequiredFields  []string `mapstructure:"required_fields"`
	MaxRecords      int      `mapstructure:"max_records"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout_seconds"`
}

// LimiterConfig governs the sliding-window rate limiter.
type LimiterConfig struct {
	MaxPerMinute int `mapstructure:"max_per_minute"`
	MinDelayMs   int `mapstructure:"min_delay_ms"`
}

// BreakerConfig governs the circuit breaker.
type BreakerConfig struct {
	Threshold       int `mapstructure:"threshold"`
	CoolDownSeconds int `mapstructure:"cooldown_seconds"`
}

// FetchConfig configures the HTTP producer and retry behavior.
type FetchConfig struct {
	URLTemplate           string `mapstructure:"url_template"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	UserAgent             string `mapstructure:"user_agent"`
	MaxRetries            int    `mapstructure:"max_retries"`
	RetryDelaySeconds     int    `mapstructure:"retry_delay_seconds"`
	RateLimitDelaySeconds int    `mapstructure:"rate_limit_delay_seconds"`
}

// BatchConfig controls batch accumulation and flushing.
type BatchConfig struct {
	Dir          string `mapstructure:"dir"`
	Capacity     int    `mapstructure:"capacity"`
	Prefix       string `mapstructure:"prefix"`
	PauseSeconds int    `mapstructure:"pause_seconds"`
}

// CheckpointConfig controls repair and dedup behavior.
type CheckpointConfig struct {
	KeepLast bool `mapstructure:"keep_last"`
	Backup   bool `mapstructure:"backup"`
}

// ProgressConfig names the snapshot and heartbeat files.
type ProgressConfig struct {
	SnapshotFile    string `mapstructure:"snapshot_file"`
	HeartbeatFile   string `mapstructure:"heartbeat_file"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

// ArchiveConfig selects the artifact upload backend.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for batch notices.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to the run-history database.
type DBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("run.output_dir", "output")
	v.SetDefault("run.record_log", "output/products.jsonl")
	v.SetDefault("run.failed_file", "output/failed_identities.txt")
	v.SetDefault("run.shutdown_timeout_seconds", 10)
	v.SetDefault("limiter.max_per_minute", 30)
	v.SetDefault("limiter.min_delay_ms", 500)
	v.SetDefault("breaker.threshold", 10)
	v.SetDefault("breaker.cooldown_seconds", 60)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.user_agent", "promodata-harvester/1.0")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_delay_seconds", 5)
	v.SetDefault("fetch.rate_limit_delay_seconds", 60)
	v.SetDefault("batch.dir", "output/batches")
	v.SetDefault("batch.capacity", 100)
	v.SetDefault("batch.prefix", "batch")
	v.SetDefault("checkpoint.backup", true)
	v.SetDefault("progress.snapshot_file", "output/progress.json")
	v.SetDefault("progress.heartbeat_file", "output/heartbeat.json")
	v.SetDefault("progress.interval_seconds", 30)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("db.table", "harvest_runs")
}

// Validate checks cross-field constraints common to all commands.
func (c Config) Validate() error {
	if c.Limiter.MaxPerMinute <= 0 {
		return fmt.Errorf("limiter.max_per_minute must be positive")
	}
	if c.Batch.Capacity <= 0 {
		return fmt.Errorf("batch.capacity must be positive")
	}
	if c.Fetch.MaxRetries < 1 {
		return fmt.Errorf("fetch.max_retries must be at least 1")
	}
	switch c.Archive.Backend {
	case "none", "local", "gcs":
	default:
		return fmt.Errorf("archive.backend must be none, local, or gcs")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db is enabled")
	}
	return nil
}

// MinDelay returns the limiter minimum delay as a Duration.
func (c LimiterConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

// CoolDown returns the breaker cool-down as a Duration.
func (c BreakerConfig) CoolDown() time.Duration {
	return time.Duration(c.CoolDownSeconds) * time.Second
}
