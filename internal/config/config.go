package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Shifts    ShiftsConfig    `mapstructure:"shifts"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt" or "redis"
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
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig defines activity tracking behavior
type TrackingConfig struct {
	TickInterval      string `mapstructure:"tick_interval"`
	MaxTickDelta      string `mapstructure:"max_tick_delta"`
	FlushInterval     string `mapstructure:"flush_interval"`
	StalenessGrace    string `mapstructure:"staleness_grace"`
	StorageTimeout    string `mapstructure:"storage_timeout"`
	ReportingTimezone string `mapstructure:"reporting_timezone"`
	RetentionDays     int    `mapstructure:"retention_days"`
	RetentionSweep    string `mapstructure:"retention_sweep_interval"`
}

// BroadcastConfig defines realtime fan-out settings
type BroadcastConfig struct {
	Backend       string `mapstructure:"backend"` // "memory" or "redis"
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// ShiftsConfig maps user IDs to their shift-time specs. Stands in for the
// external profile store in single-node deployments.
type ShiftsConfig struct {
	Specs map[string]string `mapstructure:"specs"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SHIFTBEAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
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

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/shiftbeat/shiftbeat.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.tick_interval", "5s")
	v.SetDefault("tracking.max_tick_delta", "2m")
	v.SetDefault("tracking.flush_interval", "30s")
	v.SetDefault("tracking.staleness_grace", "2h")
	v.SetDefault("tracking.storage_timeout", "5s")
	v.SetDefault("tracking.reporting_timezone", "UTC")
	v.SetDefault("tracking.retention_days", 90)
	v.SetDefault("tracking.retention_sweep_interval", "1h")

	// Broadcast defaults
	v.SetDefault("broadcast.backend", "memory")
	v.SetDefault("broadcast.channel_prefix", "shiftbeat:activity")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}

	switch cfg.Broadcast.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown broadcast backend: %q", cfg.Broadcast.Backend)
	}

	if _, err := time.LoadLocation(cfg.Tracking.ReportingTimezone); err != nil {
		return fmt.Errorf("invalid reporting timezone %q: %w", cfg.Tracking.ReportingTimezone, err)
	}

	durations := []struct {
		name  string
		value string
	}{
		{"tracking.tick_interval", cfg.Tracking.TickInterval},
		{"tracking.max_tick_delta", cfg.Tracking.MaxTickDelta},
		{"tracking.flush_interval", cfg.Tracking.FlushInterval},
		{"tracking.staleness_grace", cfg.Tracking.StalenessGrace},
		{"tracking.storage_timeout", cfg.Tracking.StorageTimeout},
		{"tracking.retention_sweep_interval", cfg.Tracking.RetentionSweep},
	}
	for _, field := range durations {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", field.name, field.value, err)
		}
	}

	if cfg.Tracking.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive, got %d", cfg.Tracking.RetentionDays)
	}

	return nil
}
