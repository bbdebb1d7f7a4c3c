package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.HTTPPort < 1 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.http_port must be between 1 and 65535, got %d", cfg.Server.HTTPPort))
	}
	if cfg.Server.MetricsPort < 1 || cfg.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.metrics_port must be between 1 and 65535, got %d", cfg.Server.MetricsPort))
	}
	if cfg.Server.HTTPPort == cfg.Server.MetricsPort {
		errs = append(errs, fmt.Sprintf("server.http_port and server.metrics_port must differ, both are %d", cfg.Server.HTTPPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.request_timeout must be non-negative, got %d", cfg.Server.RequestTimeout))
	}
	if cfg.Server.TunnelIdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.tunnel_idle_timeout must be non-negative, got %d", cfg.Server.TunnelIdleTimeout))
	}

	// Cache validation
	if cfg.Cache.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("cache.capacity must be at least 1, got %d", cfg.Cache.Capacity))
	}
	if cfg.Cache.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("cache.max_body_size must be non-negative, got %d", cfg.Cache.MaxBodySize))
	}
	if cfg.Cache.DefaultTTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("cache.default_ttl_seconds must be non-negative, got %d", cfg.Cache.DefaultTTLSeconds))
	}
	if cfg.Cache.MaxTTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("cache.max_ttl_seconds must be non-negative, got %d", cfg.Cache.MaxTTLSeconds))
	}
	if cfg.Cache.MaxTTLSeconds > 0 && cfg.Cache.DefaultTTLSeconds > cfg.Cache.MaxTTLSeconds {
		errs = append(errs, fmt.Sprintf("cache.default_ttl_seconds (%d) must not exceed cache.max_ttl_seconds (%d)", cfg.Cache.DefaultTTLSeconds, cfg.Cache.MaxTTLSeconds))
	}

	// Upstream validation
	if cfg.Upstream.PoolIdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("upstream.pool_idle_timeout must be non-negative, got %d", cfg.Upstream.PoolIdleTimeout))
	}
	if cfg.Upstream.PoolMaxIdlePerHost < 0 {
		errs = append(errs, fmt.Sprintf("upstream.pool_max_idle_per_host must be non-negative, got %d", cfg.Upstream.PoolMaxIdlePerHost))
	}
	if cfg.Upstream.RequestTimeout < 0 {
		errs = append(errs, fmt.Sprintf("upstream.request_timeout must be non-negative, got %d", cfg.Upstream.RequestTimeout))
	}

	// MITM validation
	if cfg.MITM.CACertPath == "" {
		errs = append(errs, "mitm.ca_cert_path must not be empty")
	}
	if cfg.MITM.CAKeyPath == "" {
		errs = append(errs, "mitm.ca_key_path must not be empty")
	}
	if cfg.MITM.LeafTTLSeconds < 1 {
		errs = append(errs, fmt.Sprintf("mitm.leaf_ttl_seconds must be positive, got %d", cfg.MITM.LeafTTLSeconds))
	}
	if cfg.MITM.CertCacheCapacity < 1 {
		errs = append(errs, fmt.Sprintf("mitm.cert_cache_capacity must be at least 1, got %d", cfg.MITM.CertCacheCapacity))
	}

	// Events validation
	if cfg.Events.QueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("events.queue_capacity must be at least 1, got %d", cfg.Events.QueueCapacity))
	}
	if cfg.Events.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("events.batch_size must be at least 1, got %d", cfg.Events.BatchSize))
	}
	if cfg.Events.BatchTimeoutMs < 1 {
		errs = append(errs, fmt.Sprintf("events.batch_timeout_ms must be positive, got %d", cfg.Events.BatchTimeoutMs))
	}
	if cfg.Events.RetentionDays < 0 {
		errs = append(errs, fmt.Sprintf("events.retention_days must be non-negative, got %d", cfg.Events.RetentionDays))
	}

	// Rate limit validation
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Rate <= 0 {
			errs = append(errs, fmt.Sprintf("rate_limit.rate must be positive when enabled, got %g", cfg.RateLimit.Rate))
		}
		if cfg.RateLimit.Burst < 1 {
			errs = append(errs, fmt.Sprintf("rate_limit.burst must be at least 1 when enabled, got %d", cfg.RateLimit.Burst))
		}
	}

	// Breaker validation
	if cfg.Breaker.Enabled {
		if cfg.Breaker.FailureThreshold < 1 {
			errs = append(errs, fmt.Sprintf("breaker.failure_threshold must be at least 1, got %d", cfg.Breaker.FailureThreshold))
		}
		if cfg.Breaker.ResetTimeoutSec < 1 {
			errs = append(errs, fmt.Sprintf("breaker.reset_timeout must be positive, got %d", cfg.Breaker.ResetTimeoutSec))
		}
		if cfg.Breaker.HalfOpenMax < 1 {
			errs = append(errs, fmt.Sprintf("breaker.half_open_max must be at least 1, got %d", cfg.Breaker.HalfOpenMax))
		}
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		if !isValidEnum(cfg.Tracing.Exporter, ValidExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", ValidExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %g", cfg.Tracing.SampleRate))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum reports whether value appears in allowed.
func isValidEnum(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
