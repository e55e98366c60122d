// Package config holds all configuration types and loading logic for outboxd.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an outboxd instance.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Retry    RetryConfig    `yaml:"retry"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Network  NetworkConfig  `yaml:"network"`
	Auth     AuthConfig     `yaml:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// DeviceConfig holds identity and on-disk location.
type DeviceConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// ServerConfig controls the loopback HTTP/WebSocket API.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MaxBodyKB   int    `yaml:"max_body_kb"`
	RatePerSec  int    `yaml:"rate_per_sec"`
	RateBurst   int    `yaml:"rate_burst"`
	CORSOrigins string `yaml:"cors_origins"`
}

// Engine selects the storage.Store implementation.
type Engine string

const (
	EngineBolt   Engine = "bolt"
	EngineSQLite Engine = "sqlite"
)

// FsyncPolicy controls when data is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always" // safest, default
	FsyncBatch  FsyncPolicy = "batch"  // coalesce concurrent commits
	FsyncNever  FsyncPolicy = "never"  // fastest, unsafe (dev/test only)
)

// StorageConfig controls how queue entries are persisted.
type StorageConfig struct {
	Engine        Engine      `yaml:"engine"`
	Namespace     string      `yaml:"namespace"`
	Fsync         FsyncPolicy `yaml:"fsync"`
	OpenTimeoutMs int         `yaml:"open_timeout_ms"`
}

// RetryConfig tunes the retry scheduler.
type RetryConfig struct {
	BaseDelayMs int     `yaml:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
	Jitter      float64 `yaml:"jitter"`
	// MaxTransientAttempts caps attempts for transient failures. 0 = unlimited.
	MaxTransientAttempts int `yaml:"max_transient_attempts"`
	// MaxUnknownAttempts caps attempts for unclassified failures.
	MaxUnknownAttempts int `yaml:"max_unknown_attempts"`
	// BlockLaneOnFailure keeps later messages of a conversation queued behind
	// a failed one until it is retried or discarded.
	BlockLaneOnFailure bool `yaml:"block_lane_on_failure"`
	Workers            int  `yaml:"workers"`
	RatePerSec         int  `yaml:"rate_per_sec"`
	Burst              int  `yaml:"burst"`
}

// Adapter selects the delivery.Adapter implementation.
type Adapter string

const (
	AdapterHTTP  Adapter = "http"
	AdapterRedis Adapter = "redis"
)

// DeliveryConfig controls how entries reach the remote store.
type DeliveryConfig struct {
	Adapter      Adapter       `yaml:"adapter"`
	TimeoutMs    int           `yaml:"timeout_ms"`
	MaxPayloadKB int           `yaml:"max_payload_kb"`
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"api_key"`
	SigningKey   string        `yaml:"signing_key"`
	Redis        RedisConfig   `yaml:"redis"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// RedisConfig configures the Redis delivery adapter.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	// IdempotencyTTL is how long a delivered localId is remembered.
	IdempotencyTTL string `yaml:"idempotency_ttl"`
}

// BreakerConfig configures the circuit breaker around the adapter.
type BreakerConfig struct {
	Enabled             bool `yaml:"enabled"`
	ConsecutiveFailures int  `yaml:"consecutive_failures"`
	OpenMs              int  `yaml:"open_ms"`
	HalfOpenRequests    int  `yaml:"half_open_requests"`
}

// NetworkConfig controls the reachability prober.
type NetworkConfig struct {
	ProbeURL         string `yaml:"probe_url"`
	ProbeIntervalMs  int    `yaml:"probe_interval_ms"`
	ProbeTimeoutMs   int    `yaml:"probe_timeout_ms"`
	DegradedAfterMs  int    `yaml:"degraded_after_ms"`
	FailureThreshold int    `yaml:"failure_threshold"`
}

// AuthConfig controls API key authentication on the loopback API.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the default slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8787,
			MaxBodyKB:  1024,
			RatePerSec: 200,
			RateBurst:  400,
		},
		Storage: StorageConfig{
			Engine:        EngineBolt,
			Namespace:     "outbox",
			Fsync:         FsyncAlways,
			OpenTimeoutMs: 1_000,
		},
		Retry: RetryConfig{
			BaseDelayMs:          2_000,
			MaxDelayMs:           60_000,
			Jitter:               0.2,
			MaxTransientAttempts: 0,
			MaxUnknownAttempts:   10,
			BlockLaneOnFailure:   true,
			Workers:              4,
			RatePerSec:           20,
			Burst:                20,
		},
		Delivery: DeliveryConfig{
			Adapter:      AdapterHTTP,
			Endpoint:     "http://127.0.0.1:8080/api",
			TimeoutMs:    20_000,
			MaxPayloadKB: 256,
			Redis: RedisConfig{
				Addr:           "localhost:6379",
				KeyPrefix:      "outbox",
				IdempotencyTTL: "72h",
			},
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				OpenMs:              30_000,
				HalfOpenRequests:    1,
			},
		},
		Network: NetworkConfig{
			ProbeIntervalMs:  10_000,
			ProbeTimeoutMs:   5_000,
			DegradedAfterMs:  2_000,
			FailureThreshold: 2,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run outboxd with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	OUTBOX_DATA_DIR           sets device.data_dir
//	OUTBOX_PORT               sets server.port
//	OUTBOX_AUTH_API_KEY       sets auth.api_key and enables auth
//	OUTBOX_DELIVERY_ENDPOINT  sets delivery.endpoint
//	OUTBOX_DELIVERY_API_KEY   sets delivery.api_key
//	OUTBOX_REDIS_ADDR         sets delivery.redis.addr
//	OUTBOX_LOG_LEVEL          sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadDotEnv seeds the process environment from .env style files. Files that
// do not exist are skipped; variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OUTBOX_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("OUTBOX_DATA_DIR"); v != "" {
		cfg.Device.DataDir = v
	}
	if v := os.Getenv("OUTBOX_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("OUTBOX_DELIVERY_ENDPOINT"); v != "" {
		cfg.Delivery.Endpoint = v
	}
	if v := os.Getenv("OUTBOX_DELIVERY_API_KEY"); v != "" {
		cfg.Delivery.APIKey = v
	}
	if v := os.Getenv("OUTBOX_REDIS_ADDR"); v != "" {
		cfg.Delivery.Redis.Addr = v
	}
	if v := os.Getenv("OUTBOX_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Device.DataDir == "" {
		return errors.New("device.data_dir must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.MaxBodyKB < 1 {
		return errors.New("server.max_body_kb must be at least 1")
	}
	switch c.Storage.Engine {
	case EngineBolt, EngineSQLite:
	default:
		return errors.New(`storage.engine must be one of "bolt", "sqlite"`)
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncBatch, FsyncNever:
	default:
		return errors.New(`storage.fsync must be one of "always", "batch", "never"`)
	}
	if c.Storage.Namespace == "" {
		return errors.New("storage.namespace must not be empty")
	}
	if c.Retry.BaseDelayMs < 1 {
		return errors.New("retry.base_delay_ms must be at least 1")
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return errors.New("retry.max_delay_ms must not be below retry.base_delay_ms")
	}
	// Jitter at or above one half lets a later delay come out shorter than
	// an earlier one.
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 0.5 {
		return errors.New("retry.jitter must be in [0, 0.5)")
	}
	if c.Retry.MaxTransientAttempts < 0 {
		return errors.New("retry.max_transient_attempts must be >= 0")
	}
	if c.Retry.MaxUnknownAttempts < 1 {
		return errors.New("retry.max_unknown_attempts must be at least 1")
	}
	if c.Retry.Workers < 1 {
		return errors.New("retry.workers must be at least 1")
	}
	if c.Delivery.TimeoutMs < 1 {
		return errors.New("delivery.timeout_ms must be at least 1")
	}
	if c.Delivery.MaxPayloadKB < 1 {
		return errors.New("delivery.max_payload_kb must be at least 1")
	}
	switch c.Delivery.Adapter {
	case AdapterHTTP:
		if c.Delivery.Endpoint == "" {
			return errors.New("delivery.endpoint is required for the http adapter")
		}
	case AdapterRedis:
		if c.Delivery.Redis.Addr == "" {
			return errors.New("delivery.redis.addr is required for the redis adapter")
		}
		if _, err := time.ParseDuration(c.Delivery.Redis.IdempotencyTTL); err != nil {
			return fmt.Errorf("delivery.redis.idempotency_ttl: %w", err)
		}
	default:
		return errors.New(`delivery.adapter must be one of "http", "redis"`)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be one of "json", "text"`)
	}
	return nil
}

// Duration converts a millisecond config field to a time.Duration.
func Duration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
