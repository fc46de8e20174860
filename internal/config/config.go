package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Installation InstallationConfig `mapstructure:"installation"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Reporting    ReportingConfig    `mapstructure:"reporting"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
}

// InstallationConfig identifies this installation
type InstallationConfig struct {
	PushRegistrationID string `mapstructure:"push_registration_id"`
}

// SessionsConfig defines session tracking behaviour
type SessionsConfig struct {
	Timeout           string `mapstructure:"timeout"`
	SaveInterval      string `mapstructure:"save_interval"`
	ReportedRetention string `mapstructure:"reported_retention"`
	PruneInterval     string `mapstructure:"prune_interval"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // bolt, redis or sqlite
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// ReportingConfig defines how session batches leave the process
type ReportingConfig struct {
	Uploader string        `mapstructure:"uploader"` // log or file
	FilePath string        `mapstructure:"file_path"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig defines the uploader circuit breaker
type BreakerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MaxFailures uint32 `mapstructure:"max_failures"`
	OpenTimeout string `mapstructure:"open_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig defines the metrics listener
type ServerConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("MMSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns every configuration key, sorted.
func KnownKeys() []string {
	v := viper.New()
	SetDefaults(v)

	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	v.SetDefault("installation.push_registration_id", "")

	// Session tracking defaults
	v.SetDefault("sessions.timeout", "30m")
	v.SetDefault("sessions.save_interval", "5s")
	v.SetDefault("sessions.reported_retention", "168h")
	v.SetDefault("sessions.prune_interval", "1h")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/mmsession/sessions.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "mmsession")

	// Reporting defaults
	v.SetDefault("reporting.uploader", "log")
	v.SetDefault("reporting.file_path", "")
	v.SetDefault("reporting.breaker.enabled", true)
	v.SetDefault("reporting.breaker.max_failures", 3)
	v.SetDefault("reporting.breaker.open_timeout", "1m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Server defaults
	v.SetDefault("server.metrics_port", 9092)
	v.SetDefault("server.bind_address", "127.0.0.1")
}

// validate validates the configuration
func validate(cfg *Config) error {
	durations := map[string]string{
		"sessions.timeout":               cfg.Sessions.Timeout,
		"sessions.save_interval":         cfg.Sessions.SaveInterval,
		"sessions.reported_retention":    cfg.Sessions.ReportedRetention,
		"sessions.prune_interval":        cfg.Sessions.PruneInterval,
		"reporting.breaker.open_timeout": cfg.Reporting.Breaker.OpenTimeout,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, value)
		}
	}

	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Reporting.Uploader {
	case "log":
	case "file":
		if cfg.Reporting.FilePath == "" {
			return fmt.Errorf("reporting.file_path is required for the file uploader")
		}
	default:
		return fmt.Errorf("unknown reporting uploader: %s", cfg.Reporting.Uploader)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	return nil
}

// Duration parses a duration already checked by validate, falling back when
// the value is unusable.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
