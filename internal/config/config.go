package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for cachetap.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"     toml:"server"`
	Cache     CacheConfig     `mapstructure:"cache"      toml:"cache"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"   toml:"upstream"`
	MITM      MITMConfig      `mapstructure:"mitm"       toml:"mitm"`
	Events    EventsConfig    `mapstructure:"events"     toml:"events"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" toml:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"breaker"    toml:"breaker"`
	Tracing   TracingConfig   `mapstructure:"tracing"    toml:"tracing"`
}

// ServerConfig holds the listener and lifecycle settings.
type ServerConfig struct {
	BindAddress        string `mapstructure:"bind_address"         toml:"bind_address"`
	HTTPPort           int    `mapstructure:"http_port"            toml:"http_port"`
	MetricsPort        int    `mapstructure:"metrics_port"         toml:"metrics_port"`
	LogLevel           string `mapstructure:"log_level"            toml:"log_level"`
	DataDir            string `mapstructure:"data_dir"             toml:"data_dir"`
	RequestTimeout     int    `mapstructure:"request_timeout"      toml:"request_timeout"`      // seconds, overall per-request deadline
	TunnelIdleTimeout  int    `mapstructure:"tunnel_idle_timeout"  toml:"tunnel_idle_timeout"`  // seconds, CONNECT tunnel inactivity
	ShutdownGraceSecs  int    `mapstructure:"shutdown_grace"       toml:"shutdown_grace"`       // seconds
}

// RequestTimeoutDuration returns the per-request deadline as a Duration.
func (s ServerConfig) RequestTimeoutDuration() time.Duration {
	if s.RequestTimeout <= 0 {
		return DefaultRequestTimeout * time.Second
	}
	return time.Duration(s.RequestTimeout) * time.Second
}

// TunnelIdleTimeoutDuration returns the tunnel idle timeout as a Duration.
func (s ServerConfig) TunnelIdleTimeoutDuration() time.Duration {
	if s.TunnelIdleTimeout <= 0 {
		return DefaultTunnelIdleTimeout * time.Second
	}
	return time.Duration(s.TunnelIdleTimeout) * time.Second
}

// CacheConfig bounds the entry store and the storage policy.
type CacheConfig struct {
	Capacity          int   `mapstructure:"capacity"            toml:"capacity"`
	MaxBodySize       int64 `mapstructure:"max_body_size"       toml:"max_body_size"`
	DefaultTTLSeconds int   `mapstructure:"default_ttl_seconds" toml:"default_ttl_seconds"`
	MaxTTLSeconds     int   `mapstructure:"max_ttl_seconds"     toml:"max_ttl_seconds"`
}

// UpstreamConfig tunes the pooled origin client.
type UpstreamConfig struct {
	PoolIdleTimeout    int `mapstructure:"pool_idle_timeout"       toml:"pool_idle_timeout"`    // seconds
	PoolMaxIdlePerHost int `mapstructure:"pool_max_idle_per_host"  toml:"pool_max_idle_per_host"`
	PoolMaxIdle        int `mapstructure:"pool_max_idle"           toml:"pool_max_idle"`
	DialTimeout        int `mapstructure:"dial_timeout"            toml:"dial_timeout"`         // seconds
	RequestTimeout     int `mapstructure:"request_timeout"         toml:"request_timeout"`      // seconds, per-fetch deadline
}

// MITMConfig holds the interception CA material and leaf mint settings.
type MITMConfig struct {
	CACertPath        string `mapstructure:"ca_cert_path"        toml:"ca_cert_path"`
	CAKeyPath         string `mapstructure:"ca_key_path"         toml:"ca_key_path"`
	LeafTTLSeconds    int    `mapstructure:"leaf_ttl_seconds"    toml:"leaf_ttl_seconds"`
	CertCacheCapacity int    `mapstructure:"cert_cache_capacity" toml:"cert_cache_capacity"`
}

// EventsConfig controls the cache-event publisher and local journal.
type EventsConfig struct {
	BusEndpoint    string `mapstructure:"bus_endpoint"     toml:"bus_endpoint"`
	BusTokenRef    string `mapstructure:"bus_token_ref"    toml:"bus_token_ref"`
	QueueCapacity  int    `mapstructure:"queue_capacity"   toml:"queue_capacity"`
	BatchSize      int    `mapstructure:"batch_size"       toml:"batch_size"`
	BatchTimeoutMs int    `mapstructure:"batch_timeout_ms" toml:"batch_timeout_ms"`
	JournalEnabled bool   `mapstructure:"journal_enabled"  toml:"journal_enabled"`
	RetentionDays  int    `mapstructure:"retention_days"   toml:"retention_days"`
}

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" toml:"enabled"`
	Rate    float64 `mapstructure:"rate"    toml:"rate"` // requests per second per client
	Burst   int     `mapstructure:"burst"   toml:"burst"`
}

// BreakerConfig controls the per-origin-host circuit breaker.
type BreakerConfig struct {
	Enabled          bool `mapstructure:"enabled"           toml:"enabled"`
	FailureThreshold int  `mapstructure:"failure_threshold" toml:"failure_threshold"`
	ResetTimeoutSec  int  `mapstructure:"reset_timeout"     toml:"reset_timeout"`
	HalfOpenMax      int  `mapstructure:"half_open_max"     toml:"half_open_max"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "cachetap"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (CACHETAP_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.cachetap/cachetap.toml
//  4. ./cachetap.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: CACHETAP_SERVER_HTTP_PORT etc.
	v.SetEnvPrefix("CACHETAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".cachetap"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("cachetap")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in filesystem paths.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.MITM.CACertPath = expandHome(cfg.MITM.CACertPath)
	cfg.MITM.CAKeyPath = expandHome(cfg.MITM.CAKeyPath)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.cachetap/cachetap.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".cachetap")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.http_port", d.Server.HTTPPort)
	v.SetDefault("server.metrics_port", d.Server.MetricsPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.tunnel_idle_timeout", d.Server.TunnelIdleTimeout)
	v.SetDefault("server.shutdown_grace", d.Server.ShutdownGraceSecs)

	// Cache
	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.max_body_size", d.Cache.MaxBodySize)
	v.SetDefault("cache.default_ttl_seconds", d.Cache.DefaultTTLSeconds)
	v.SetDefault("cache.max_ttl_seconds", d.Cache.MaxTTLSeconds)

	// Upstream
	v.SetDefault("upstream.pool_idle_timeout", d.Upstream.PoolIdleTimeout)
	v.SetDefault("upstream.pool_max_idle_per_host", d.Upstream.PoolMaxIdlePerHost)
	v.SetDefault("upstream.pool_max_idle", d.Upstream.PoolMaxIdle)
	v.SetDefault("upstream.dial_timeout", d.Upstream.DialTimeout)
	v.SetDefault("upstream.request_timeout", d.Upstream.RequestTimeout)

	// MITM
	v.SetDefault("mitm.ca_cert_path", d.MITM.CACertPath)
	v.SetDefault("mitm.ca_key_path", d.MITM.CAKeyPath)
	v.SetDefault("mitm.leaf_ttl_seconds", d.MITM.LeafTTLSeconds)
	v.SetDefault("mitm.cert_cache_capacity", d.MITM.CertCacheCapacity)

	// Events
	v.SetDefault("events.bus_endpoint", d.Events.BusEndpoint)
	v.SetDefault("events.bus_token_ref", d.Events.BusTokenRef)
	v.SetDefault("events.queue_capacity", d.Events.QueueCapacity)
	v.SetDefault("events.batch_size", d.Events.BatchSize)
	v.SetDefault("events.batch_timeout_ms", d.Events.BatchTimeoutMs)
	v.SetDefault("events.journal_enabled", d.Events.JournalEnabled)
	v.SetDefault("events.retention_days", d.Events.RetentionDays)

	// Rate limit
	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.rate", d.RateLimit.Rate)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)

	// Breaker
	v.SetDefault("breaker.enabled", d.Breaker.Enabled)
	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.reset_timeout", d.Breaker.ResetTimeoutSec)
	v.SetDefault("breaker.half_open_max", d.Breaker.HalfOpenMax)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
