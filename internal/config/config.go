package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stocksage/logshipper/internal/logging"
)

// Config holds all configuration for the log shipper process.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	Flush    FlushConfig    `mapstructure:"flush"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Follow   FollowConfig   `mapstructure:"follow"`
	Fallback FallbackConfig `mapstructure:"fallback"`

	// MinLevel filters records below it before they enter the buffer.
	MinLevel string `mapstructure:"min_level"`
	// MirrorConsole echoes accepted records to local stdout logging.
	MirrorConsole bool `mapstructure:"mirror_console"`
}

// StorageConfig identifies the destination container and how batches are
// serialized. Read-only after initialization.
type StorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	KeyPrefix string `mapstructure:"key_prefix"`
	Region    string `mapstructure:"region"`
	// Endpoint overrides the AWS endpoint for S3-compatible servers.
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Format    string `mapstructure:"format"` // text, json
	Compress  bool   `mapstructure:"compress"`
}

type BufferConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	OverflowPolicy string        `mapstructure:"overflow_policy"` // block, drop-newest, drop-oldest
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

type FlushConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	Threshold         int           `mapstructure:"threshold"`
	RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter     bool          `mapstructure:"backoff_jitter"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

type FollowConfig struct {
	Enable       bool          `mapstructure:"enable"`
	Dir          string        `mapstructure:"dir"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type FallbackConfig struct {
	// Path of the local file receiving failed batches; empty uses stderr.
	Path string `mapstructure:"path"`
}

// Load loads configuration from flags, environment and an optional file.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("LOGSHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("min_level", "DEBUG")
	v.SetDefault("mirror_console", false)

	// Storage defaults - bucket must be explicitly configured. Credentials
	// default to empty so the keys are registered and resolvable from the
	// environment.
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.key_prefix", "logs")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.format", "text")
	v.SetDefault("storage.compress", false)

	v.SetDefault("buffer.capacity", 10000)
	v.SetDefault("buffer.overflow_policy", "drop-newest")
	v.SetDefault("buffer.enqueue_timeout", 2*time.Second)

	v.SetDefault("flush.interval", 5*time.Second)
	v.SetDefault("flush.threshold", 500)
	v.SetDefault("flush.retry_max_attempts", 5)
	v.SetDefault("flush.backoff_base", time.Second)
	v.SetDefault("flush.backoff_multiplier", 2.0)
	v.SetDefault("flush.backoff_cap", 30*time.Second)
	v.SetDefault("flush.backoff_jitter", true)
	v.SetDefault("flush.shutdown_timeout", 10*time.Second)

	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("follow.enable", false)
	v.SetDefault("follow.scan_interval", 30*time.Second)
	v.SetDefault("follow.workers", 2)
	v.SetDefault("follow.queue_size", 16)
	v.SetDefault("follow.idle_timeout", 5*time.Minute)

	v.SetDefault("fallback.path", "")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"bucket":     "storage.bucket",
		"key-prefix": "storage.key_prefix",
		"region":     "storage.region",
		"endpoint":   "storage.endpoint",
		"format":     "storage.format",
		"log-level":  "log_level",
		"follow-dir": "follow.dir",
	}

	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required: specify via --bucket flag, config file, or LOGSHIP_STORAGE_BUCKET environment variable")
	}

	if _, err := logging.ParseOverflowPolicy(cfg.Buffer.OverflowPolicy); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(cfg.MinLevel); err != nil {
		return err
	}

	if cfg.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be positive")
	}
	if cfg.Flush.Threshold <= 0 {
		return fmt.Errorf("flush.threshold must be positive")
	}
	if cfg.Flush.Threshold > cfg.Buffer.Capacity {
		return fmt.Errorf("flush.threshold (%d) cannot exceed buffer.capacity (%d)", cfg.Flush.Threshold, cfg.Buffer.Capacity)
	}
	if cfg.Flush.BackoffMultiplier < 1 {
		return fmt.Errorf("flush.backoff_multiplier must be >= 1")
	}

	if cfg.Follow.Enable && cfg.Follow.Dir == "" {
		return fmt.Errorf("follow.dir is required when follow.enable is set")
	}

	return nil
}
