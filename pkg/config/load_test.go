package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig_ValidFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: "production"

server:
  listen_address: "0.0.0.0:8080"
  read_timeout: "60s"

cache:
  address: "localhost:6379"
  max_retries: 5
  operation_timeout: "500ms"

usage:
  max_usage: 5
  window: "12h"
  lock_enabled: true
  fail_open: false

client_ip:
  trust_proxy: false
  allow_localhost: true

storage:
  backend: "sqlite"
  sqlite:
    path: "./test-usage.db"
    driver: "sqlite3"

telemetry:
  logging:
    level: "debug"
    format: "text"
  metrics:
    enabled: true
`)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if !cfg.IsProduction() {
		t.Error("expected production environment")
	}
	if cfg.Server.ListenAddress != "0.0.0.0:8080" {
		t.Errorf("expected listen address %q, got %q", "0.0.0.0:8080", cfg.Server.ListenAddress)
	}
	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("expected read timeout %v, got %v", 60*time.Second, cfg.Server.ReadTimeout)
	}
	if !cfg.Cache.Enabled() {
		t.Error("expected cache to be enabled")
	}
	if cfg.Cache.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", cfg.Cache.MaxRetries)
	}
	if cfg.Cache.OperationTimeout != 500*time.Millisecond {
		t.Errorf("expected operation timeout 500ms, got %v", cfg.Cache.OperationTimeout)
	}
	if cfg.Usage.MaxUsage != 5 || cfg.Usage.Window != 12*time.Hour {
		t.Errorf("expected 5 uses per 12h, got %d per %v", cfg.Usage.MaxUsage, cfg.Usage.Window)
	}
	if !cfg.Usage.LockEnabled {
		t.Error("expected lock to be enabled")
	}
	if cfg.Usage.FailOpenEnabled() {
		t.Error("expected fail_open false to be honoured")
	}
	if cfg.ClientIP.TrustProxyEnabled() {
		t.Error("expected trust_proxy false to be honoured")
	}
	if !cfg.ClientIP.MapIPv4MappedEnabled() {
		t.Error("expected map_ipv4_mapped_ipv6 to default to true")
	}
	if cfg.Storage.SQLite.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %q", cfg.Storage.SQLite.Driver)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("expected logging level %q, got %q", "debug", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"environment", cfg.Environment, EnvironmentDevelopment},
		{"listen address", cfg.Server.ListenAddress, DefaultListenAddress},
		{"cache ttl", cfg.Cache.DefaultTTL, 24 * time.Hour},
		{"cache retries", cfg.Cache.MaxRetries, 3},
		{"cache base delay", cfg.Cache.RetryBaseDelay, 100 * time.Millisecond},
		{"cache timeout", cfg.Cache.OperationTimeout, 2 * time.Second},
		{"max usage", cfg.Usage.MaxUsage, int64(3)},
		{"window", cfg.Usage.Window, 24 * time.Hour},
		{"lock ttl", cfg.Usage.LockTTL, 30 * time.Second},
		{"fail open", cfg.Usage.FailOpenEnabled(), true},
		{"trust proxy", cfg.ClientIP.TrustProxyEnabled(), true},
		{"map mapped", cfg.ClientIP.MapIPv4MappedEnabled(), true},
		{"allow localhost", cfg.ClientIP.AllowLocalhost, false},
		{"dev fallback", cfg.ClientIP.DevFallbackIP, "127.0.0.1"},
		{"storage backend", cfg.Storage.Backend, StorageBackendMemory},
		{"prune schedule", cfg.Storage.PruneSchedule, "0 * * * *"},
		{"logging format", cfg.Telemetry.Logging.Format, "json"},
		{"metrics path", cfg.Telemetry.Metrics.Path, "/metrics"},
		{"liveness path", cfg.Telemetry.Health.LivenessPath, "/health"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}

	if cfg.Cache.Enabled() {
		t.Error("expected cache to be disabled without an address")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			content: "server: [unclosed",
			wantErr: "failed to parse",
		},
		{
			name:    "invalid backend",
			content: "storage:\n  backend: postgres\n",
			wantErr: "storage.backend",
		},
		{
			name:    "negative max usage",
			content: "usage:\n  max_usage: -1\n",
			wantErr: "usage.max_usage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped ErrNotExist, got %v", err)
	}
}

func TestLoadConfig_ValidationErrorType(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "usage:\n  window: -1s\n"))

	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if !verr.HasField("usage.window") {
		t.Errorf("expected usage.window in %v", verr.Errors)
	}
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	configPath := writeConfig(t, `
server:
  listen_address: "127.0.0.1:8080"
cache:
  address: "localhost:6379"
`)

	t.Setenv("IPQUOTA_SERVER_LISTEN_ADDRESS", "0.0.0.0:9090")
	t.Setenv("IPQUOTA_USAGE_MAX_USAGE", "10")
	t.Setenv("IPQUOTA_USAGE_WINDOW", "1h")
	t.Setenv("IPQUOTA_USAGE_FAIL_OPEN", "false")
	t.Setenv("IPQUOTA_CLIENT_IP_TRUST_PROXY", "false")
	t.Setenv("IPQUOTA_STORAGE_BACKEND", "none")
	t.Setenv("IPQUOTA_TELEMETRY_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("IPQUOTA_CACHE_DB", "not-a-number")

	cfg, err := LoadConfigWithEnvOverrides(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:9090" {
		t.Errorf("expected listen address override, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Usage.MaxUsage != 10 {
		t.Errorf("expected max usage 10, got %d", cfg.Usage.MaxUsage)
	}
	if cfg.Usage.Window != time.Hour {
		t.Errorf("expected window 1h, got %v", cfg.Usage.Window)
	}
	if cfg.Usage.FailOpenEnabled() {
		t.Error("expected fail open override to false")
	}
	if cfg.ClientIP.TrustProxyEnabled() {
		t.Error("expected trust proxy override to false")
	}
	if cfg.Storage.Backend != StorageBackendNone {
		t.Errorf("expected backend none, got %q", cfg.Storage.Backend)
	}
	if cfg.Telemetry.Tracing.SampleRatio != 0.25 {
		t.Errorf("expected sample ratio 0.25, got %v", cfg.Telemetry.Tracing.SampleRatio)
	}
	if cfg.Cache.DB != 0 {
		t.Errorf("expected unparseable override to be ignored, got %d", cfg.Cache.DB)
	}
}

func TestLoadConfigWithEnvOverrides_RedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache.internal:6379/2")

	cfg, err := LoadConfigWithEnvOverrides("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Cache.URL != "redis://cache.internal:6379/2" {
		t.Errorf("expected REDIS_URL to set cache url, got %q", cfg.Cache.URL)
	}

	t.Setenv("IPQUOTA_CACHE_URL", "rediss://primary:6380")
	cfg, err = LoadConfigWithEnvOverrides("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Cache.URL != "rediss://primary:6380" {
		t.Errorf("expected IPQUOTA_CACHE_URL to win, got %q", cfg.Cache.URL)
	}
}

func TestLoadConfigWithEnvOverrides_InvalidOverride(t *testing.T) {
	t.Setenv("IPQUOTA_TELEMETRY_LOGGING_LEVEL", "verbose")

	_, err := LoadConfigWithEnvOverrides("")
	if err == nil {
		t.Fatal("expected validation error after override")
	}
	if !strings.Contains(err.Error(), "after environment overrides") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "IPQUOTA_TEST_DOTENV_VALUE=from-file\nIPQUOTA_TEST_DOTENV_KEEP=from-file\n"
	if err := os.WriteFile(envPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("IPQUOTA_TEST_DOTENV_KEEP", "from-env")
	// Registers cleanup; the value is replaced by LoadDotEnv.
	t.Setenv("IPQUOTA_TEST_DOTENV_VALUE", "")
	os.Unsetenv("IPQUOTA_TEST_DOTENV_VALUE")

	if err := LoadDotEnv(envPath, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}

	if got := os.Getenv("IPQUOTA_TEST_DOTENV_VALUE"); got != "from-file" {
		t.Errorf("expected value from file, got %q", got)
	}
	if got := os.Getenv("IPQUOTA_TEST_DOTENV_KEEP"); got != "from-env" {
		t.Errorf("expected existing variable to be kept, got %q", got)
	}
}
