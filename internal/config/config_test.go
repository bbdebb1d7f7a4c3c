package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := validate(DefaultConfig()); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestDefaultConfig_SpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.HTTPPort != 1488 {
		t.Errorf("HTTPPort: got %d, want 1488", cfg.Server.HTTPPort)
	}
	if cfg.Cache.DefaultTTLSeconds != 3600 {
		t.Errorf("DefaultTTLSeconds: got %d, want 3600", cfg.Cache.DefaultTTLSeconds)
	}
	if cfg.MITM.LeafTTLSeconds != 30*24*3600 {
		t.Errorf("LeafTTLSeconds: got %d, want 30 days", cfg.MITM.LeafTTLSeconds)
	}
}

func TestLoad_WithExplicitFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "test.toml")

	content := `
[server]
http_port = 9090
metrics_port = 9091
log_level = "debug"
data_dir = "` + dir + `"

[cache]
capacity = 64
max_body_size = 1000
default_ttl_seconds = 60

[mitm]
ca_cert_path = "` + dir + `/ca.crt"
ca_key_path = "` + dir + `/ca.key"

[events]
bus_endpoint = "http://collector.internal:8088/ingest"
queue_capacity = 128
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort: got %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want %q", cfg.Server.LogLevel, "debug")
	}
	if cfg.Cache.Capacity != 64 {
		t.Errorf("Cache.Capacity: got %d, want 64", cfg.Cache.Capacity)
	}
	if cfg.Cache.MaxBodySize != 1000 {
		t.Errorf("Cache.MaxBodySize: got %d, want 1000", cfg.Cache.MaxBodySize)
	}
	if cfg.Events.BusEndpoint != "http://collector.internal:8088/ingest" {
		t.Errorf("Events.BusEndpoint: got %q", cfg.Events.BusEndpoint)
	}
	// Unset keys keep their defaults.
	if cfg.Events.BatchSize != DefaultEventBatchSize {
		t.Errorf("Events.BatchSize: got %d, want default %d", cfg.Events.BatchSize, DefaultEventBatchSize)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "test.toml")

	content := `
[server]
http_port = 1488
log_level = "info"
data_dir = "` + dir + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("CACHETAP_SERVER_HTTP_PORT", "3128")
	t.Setenv("CACHETAP_CACHE_CAPACITY", "99")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 3128 {
		t.Errorf("expected env override for http_port, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Cache.Capacity != 99 {
		t.Errorf("expected env override for cache.capacity, got %d", cfg.Cache.Capacity)
	}
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "test.toml")

	content := `
[server]
http_port = 70000
data_dir = "` + dir + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected out-of-range port to fail validation")
	}
}

func TestGet_ReturnsDefaultsBeforeLoad(t *testing.T) {
	cfg := Get()
	if cfg == nil {
		t.Fatal("Get returned nil")
	}
	if cfg.Server.HTTPPort < 1 {
		t.Errorf("unexpected port %d", cfg.Server.HTTPPort)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got := expandHome("~/.cachetap")
	want := filepath.Join(home, ".cachetap")
	if got != want {
		t.Errorf("expandHome: got %q, want %q", got, want)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path must pass through, got %q", got)
	}
}
