package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/outboxq/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected loopback host, got %s", cfg.Server.Host)
	}
	if cfg.Storage.Engine != config.EngineBolt {
		t.Errorf("expected bolt engine, got %s", cfg.Storage.Engine)
	}
	if cfg.Storage.Fsync != config.FsyncAlways {
		t.Errorf("expected fsync always, got %s", cfg.Storage.Fsync)
	}
	if cfg.Storage.Namespace != "outbox" {
		t.Errorf("expected outbox namespace, got %s", cfg.Storage.Namespace)
	}
	if cfg.Retry.BaseDelayMs != 2_000 || cfg.Retry.MaxDelayMs != 60_000 {
		t.Errorf("unexpected backoff defaults: %+v", cfg.Retry)
	}
	if cfg.Retry.MaxTransientAttempts != 0 {
		t.Errorf("transient retries must be unlimited by default, got %d", cfg.Retry.MaxTransientAttempts)
	}
	if !cfg.Retry.BlockLaneOnFailure {
		t.Error("lanes must block on failure by default")
	}
	if cfg.Delivery.TimeoutMs != 20_000 {
		t.Errorf("expected 20s delivery timeout, got %d", cfg.Delivery.TimeoutMs)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("expected default port for missing file, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
device:
  data_dir: "/tmp/outboxq_test"
server:
  port: 9999
storage:
  engine: sqlite
  fsync: batch
retry:
  base_delay_ms: 500
  block_lane_on_failure: false
delivery:
  adapter: redis
  redis:
    addr: "redis:6379"
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Device.DataDir != "/tmp/outboxq_test" {
		t.Errorf("expected data_dir override, got %s", cfg.Device.DataDir)
	}
	if cfg.Storage.Engine != config.EngineSQLite || cfg.Storage.Fsync != config.FsyncBatch {
		t.Errorf("storage override lost: %+v", cfg.Storage)
	}
	if cfg.Retry.BaseDelayMs != 500 || cfg.Retry.BlockLaneOnFailure {
		t.Errorf("retry override lost: %+v", cfg.Retry)
	}
	if cfg.Delivery.Adapter != config.AdapterRedis || cfg.Delivery.Redis.Addr != "redis:6379" {
		t.Errorf("delivery override lost: %+v", cfg.Delivery)
	}
	// Unset fields keep their defaults.
	if cfg.Retry.MaxDelayMs != 60_000 {
		t.Errorf("expected default max_delay_ms (unchanged), got %d", cfg.Retry.MaxDelayMs)
	}
	if cfg.Delivery.Redis.IdempotencyTTL != "72h" {
		t.Errorf("expected default idempotency_ttl, got %s", cfg.Delivery.Redis.IdempotencyTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("overridden config should be valid: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "server: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OUTBOX_DATA_DIR", "/var/lib/outbox")
	t.Setenv("OUTBOX_PORT", "7001")
	t.Setenv("OUTBOX_AUTH_API_KEY", "secret")
	t.Setenv("OUTBOX_DELIVERY_ENDPOINT", "https://chat.example.com/api")
	t.Setenv("OUTBOX_DELIVERY_API_KEY", "backend-key")
	t.Setenv("OUTBOX_REDIS_ADDR", "cache:6380")
	t.Setenv("OUTBOX_LOG_LEVEL", "DEBUG")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.DataDir != "/var/lib/outbox" || cfg.Server.Port != 7001 {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Device, cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Errorf("OUTBOX_AUTH_API_KEY must enable auth: %+v", cfg.Auth)
	}
	if cfg.Delivery.Endpoint != "https://chat.example.com/api" || cfg.Delivery.APIKey != "backend-key" {
		t.Errorf("delivery env overrides not applied: %+v", cfg.Delivery)
	}
	if cfg.Delivery.Redis.Addr != "cache:6380" {
		t.Errorf("redis addr: got %s", cfg.Delivery.Redis.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level: want debug, got %s", cfg.Log.Level)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("OUTBOX_PORT=6123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Register cleanup of a variable godotenv is about to set.
	t.Setenv("OUTBOX_PORT", "")
	os.Unsetenv("OUTBOX_PORT")

	if err := config.LoadDotEnv(filepath.Join(dir, "absent.env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 6123 {
		t.Errorf("expected port from .env, got %d", cfg.Server.Port)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Server.Port = 0 }},
		{"port too large", func(c *config.Config) { c.Server.Port = 99999 }},
		{"empty data dir", func(c *config.Config) { c.Device.DataDir = "" }},
		{"unknown engine", func(c *config.Config) { c.Storage.Engine = "leveldb" }},
		{"unknown fsync", func(c *config.Config) { c.Storage.Fsync = "interval" }},
		{"cap below base", func(c *config.Config) { c.Retry.MaxDelayMs = 100 }},
		{"jitter half", func(c *config.Config) { c.Retry.Jitter = 0.5 }},
		{"negative jitter", func(c *config.Config) { c.Retry.Jitter = -0.1 }},
		{"negative transient cap", func(c *config.Config) { c.Retry.MaxTransientAttempts = -1 }},
		{"zero unknown cap", func(c *config.Config) { c.Retry.MaxUnknownAttempts = 0 }},
		{"zero workers", func(c *config.Config) { c.Retry.Workers = 0 }},
		{"zero timeout", func(c *config.Config) { c.Delivery.TimeoutMs = 0 }},
		{"http without endpoint", func(c *config.Config) { c.Delivery.Endpoint = "" }},
		{"unknown adapter", func(c *config.Config) { c.Delivery.Adapter = "grpc" }},
		{"bad redis ttl", func(c *config.Config) {
			c.Delivery.Adapter = config.AdapterRedis
			c.Delivery.Redis.IdempotencyTTL = "forever"
		}},
		{"auth without key", func(c *config.Config) { c.Auth.Enabled = true }},
		{"unknown log format", func(c *config.Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		cfg := config.Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
