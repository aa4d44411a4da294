// Package config handles configuration loading and validation for ckstatsd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the stats daemon
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Cache     CacheConfig     `mapstructure:"cache"`
	API       APIConfig       `mapstructure:"api"`
	Gate      GateConfig      `mapstructure:"gate"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Price     PriceConfig     `mapstructure:"price"`
	Blocks    BlocksConfig    `mapstructure:"blocks"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig defines pool identity settings
type PoolConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// DaemonConfig defines how to reach the mining daemon's command sockets
type DaemonConfig struct {
	ListenerSocket   string        `mapstructure:"listener_socket"`
	StratifierSocket string        `mapstructure:"stratifier_socket"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RecordsDir       string        `mapstructure:"records_dir"`
	LogDir           string        `mapstructure:"log_dir"`
}

// CacheConfig defines worker cache persistence and eviction settings
type CacheConfig struct {
	File          string        `mapstructure:"file"`
	RetentionDays int           `mapstructure:"retention_days"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepDelay    time.Duration `mapstructure:"sweep_delay"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	WSInterval  time.Duration `mapstructure:"ws_interval"`
}

// GateConfig defines access gate settings
type GateConfig struct {
	Secret      string        `mapstructure:"secret"`
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
	GCInterval  time.Duration `mapstructure:"gc_interval"`
}

// RedisConfig defines the optional snapshot store connection
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PriceConfig defines fiat price lookup settings
type PriceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Currency string        `mapstructure:"currency"`
	TTL      time.Duration `mapstructure:"ttl"`
	BaseURL  string        `mapstructure:"base_url"`
}

// BlocksConfig defines found-block scanning settings
type BlocksConfig struct {
	ScanTTL       time.Duration `mapstructure:"scan_ttl"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
	MaxRecent     int           `mapstructure:"max_recent"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ckstatsd")
	}

	v.SetEnvPrefix("CKSTATSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("pool.name", "Solo Pool")

	// Daemon defaults. The daemon exposes two command sockets under its
	// socket dir: the listener for aggregate stats and the stratifier for
	// per-user queries.
	v.SetDefault("daemon.listener_socket", "/tmp/ckpool/listener")
	v.SetDefault("daemon.stratifier_socket", "/tmp/ckpool/stratifier")
	v.SetDefault("daemon.timeout", "5s")
	v.SetDefault("daemon.records_dir", "/tmp/ckpool/users")
	v.SetDefault("daemon.log_dir", "/var/log/ckpool")

	// Cache defaults
	v.SetDefault("cache.file", "worker-cache.json")
	v.SetDefault("cache.retention_days", 28)
	v.SetDefault("cache.sweep_interval", "24h")
	v.SetDefault("cache.sweep_delay", "10m")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "127.0.0.1:4300")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.ws_interval", "15s")

	// Gate defaults. The secret has no usable default; register the key
	// so it can come from the environment.
	v.SetDefault("gate.secret", "")
	v.SetDefault("gate.window", "1m")
	v.SetDefault("gate.max_requests", 60)
	v.SetDefault("gate.gc_interval", "5m")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// Price defaults
	v.SetDefault("price.enabled", true)
	v.SetDefault("price.currency", "usd")
	v.SetDefault("price.ttl", "30m")
	v.SetDefault("price.base_url", "https://api.coingecko.com/api/v3")

	// Blocks defaults
	v.SetDefault("blocks.scan_ttl", "1m")
	v.SetDefault("blocks.watch_interval", "1m")
	v.SetDefault("blocks.max_recent", 25)

	// Notify defaults
	v.SetDefault("notify.enabled", false)

	// NewRelic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "ckstatsd")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Daemon.ListenerSocket == "" {
		return fmt.Errorf("daemon.listener_socket is required")
	}

	if c.Daemon.StratifierSocket == "" {
		return fmt.Errorf("daemon.stratifier_socket is required")
	}

	if c.Daemon.Timeout <= 0 {
		return fmt.Errorf("daemon.timeout must be positive")
	}

	if c.Cache.File == "" {
		return fmt.Errorf("cache.file is required")
	}

	if c.Cache.RetentionDays <= 0 {
		return fmt.Errorf("cache.retention_days must be positive")
	}

	if c.API.Enabled && c.Gate.Secret == "" {
		return fmt.Errorf("gate.secret is required when the API is enabled")
	}

	if c.Gate.MaxRequests <= 0 {
		return fmt.Errorf("gate.max_requests must be positive")
	}

	if c.Gate.Window <= 0 {
		return fmt.Errorf("gate.window must be positive")
	}

	return nil
}

// Retention returns the eviction window as a duration.
func (c *CacheConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
