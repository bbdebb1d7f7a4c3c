package config

import (
	"strings"
	"testing"
)

func validBase(t *testing.T) *Config {
	t.Helper()
	return DefaultConfig()
}

func TestValidate_PortCollision(t *testing.T) {
	cfg := validBase(t)
	cfg.Server.MetricsPort = cfg.Server.HTTPPort
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Errorf("expected port collision error, got %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := validBase(t)
	cfg.Server.LogLevel = "verbose"
	if err := validate(cfg); err == nil {
		t.Error("expected invalid log level to fail")
	}
}

func TestValidate_CacheCapacity(t *testing.T) {
	cfg := validBase(t)
	cfg.Cache.Capacity = 0
	if err := validate(cfg); err == nil {
		t.Error("expected zero cache capacity to fail")
	}
}

func TestValidate_DefaultTTLAboveCeiling(t *testing.T) {
	cfg := validBase(t)
	cfg.Cache.DefaultTTLSeconds = 7200
	cfg.Cache.MaxTTLSeconds = 3600
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "default_ttl_seconds") {
		t.Errorf("expected TTL ordering error, got %v", err)
	}
}

func TestValidate_MITMPathsRequired(t *testing.T) {
	cfg := validBase(t)
	cfg.MITM.CACertPath = ""
	if err := validate(cfg); err == nil {
		t.Error("expected empty ca_cert_path to fail")
	}

	cfg = validBase(t)
	cfg.MITM.CAKeyPath = ""
	if err := validate(cfg); err == nil {
		t.Error("expected empty ca_key_path to fail")
	}
}

func TestValidate_EventsQueue(t *testing.T) {
	cfg := validBase(t)
	cfg.Events.QueueCapacity = 0
	if err := validate(cfg); err == nil {
		t.Error("expected zero queue capacity to fail")
	}

	cfg = validBase(t)
	cfg.Events.BatchTimeoutMs = 0
	if err := validate(cfg); err == nil {
		t.Error("expected zero batch timeout to fail")
	}
}

func TestValidate_RateLimitOnlyWhenEnabled(t *testing.T) {
	cfg := validBase(t)
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.Rate = -1
	if err := validate(cfg); err != nil {
		t.Errorf("disabled rate limit must not be validated: %v", err)
	}

	cfg.RateLimit.Enabled = true
	if err := validate(cfg); err == nil {
		t.Error("expected negative rate to fail when enabled")
	}
}

func TestValidate_TracingExporter(t *testing.T) {
	cfg := validBase(t)
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := validate(cfg); err == nil {
		t.Error("expected unknown exporter to fail")
	}

	cfg.Tracing.Exporter = "otlp-grpc"
	cfg.Tracing.SampleRate = 1.5
	if err := validate(cfg); err == nil {
		t.Error("expected out-of-range sample rate to fail")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validBase(t)
	cfg.Server.HTTPPort = 0
	cfg.Cache.Capacity = 0
	cfg.MITM.LeafTTLSeconds = 0
	err := validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"http_port", "cache.capacity", "leaf_ttl_seconds"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected combined error to mention %s, got: %v", want, err)
		}
	}
}
