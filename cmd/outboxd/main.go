// Command outboxd is the on-device outbox daemon. It persists outbound chat
// messages, watches connectivity and delivers the queue in order whenever
// the device is online.
//
// Usage:
//
//	outboxd [--config config.yaml] [--env .env] [--reset]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/outboxq/internal/config"
	"github.com/snehjoshi/outboxq/internal/delivery"
	"github.com/snehjoshi/outboxq/internal/device"
	"github.com/snehjoshi/outboxq/internal/metrics"
	"github.com/snehjoshi/outboxq/internal/namespace"
	"github.com/snehjoshi/outboxq/internal/netmon"
	"github.com/snehjoshi/outboxq/internal/outbox"
	"github.com/snehjoshi/outboxq/internal/scheduler"
	"github.com/snehjoshi/outboxq/internal/storage"
	"github.com/snehjoshi/outboxq/internal/storage/local"
	"github.com/snehjoshi/outboxq/internal/storage/sqlite"
	transphttp "github.com/snehjoshi/outboxq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "outboxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to a dotenv file (optional)")
	reset := flag.Bool("reset", false, "wipe every namespace, including the queue, before starting")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Log))

	// ── 3. Initialise device identity ────────────────────────────────────────
	dev, err := device.Load(cfg.Device.DataDir, cfg.Device.ID)
	if err != nil {
		return fmt.Errorf("init device: %w", err)
	}

	slog.Info("outboxd starting",
		"device_id", dev.ID(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"data_dir", dev.DataDir(),
		"engine", cfg.Storage.Engine,
		"adapter", cfg.Delivery.Adapter,
	)

	// ── 4. Initialise namespace registry ────────────────────────────────────
	nsReg, err := namespace.New(cfg.Device.DataDir)
	if err != nil {
		return fmt.Errorf("init namespace registry: %w", err)
	}
	if *reset {
		wiped, err := nsReg.WipeAll(true)
		if err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		slog.Warn("namespaces wiped", "namespaces", wiped)
	}
	queueDir, err := nsReg.Ensure(cfg.Storage.Namespace, true)
	if err != nil {
		return fmt.Errorf("init queue namespace: %w", err)
	}

	// ── 5. Open the queue store ──────────────────────────────────────────────
	store, err := openStore(cfg.Storage, queueDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	// ── 6. Initialise metrics registry ───────────────────────────────────────
	reg := &metrics.Registry{}

	// ── 7. Build the delivery adapter ────────────────────────────────────────
	adapter, closeAdapter, err := newAdapter(cfg.Delivery, dev.ID(), reg)
	if err != nil {
		return fmt.Errorf("init delivery: %w", err)
	}
	defer closeAdapter()

	// ── 8. Network monitor ───────────────────────────────────────────────────
	var sources []netmon.Source
	if cfg.Network.ProbeURL != "" {
		sources = append(sources, &netmon.Prober{
			URL:              cfg.Network.ProbeURL,
			Interval:         config.Duration(cfg.Network.ProbeIntervalMs),
			Timeout:          config.Duration(cfg.Network.ProbeTimeoutMs),
			DegradedAfter:    config.Duration(cfg.Network.DegradedAfterMs),
			FailureThreshold: cfg.Network.FailureThreshold,
		})
	}
	mon := netmon.New(netmon.Options{Sources: sources})
	defer mon.Close()

	// ── 9. Queue coordinator ─────────────────────────────────────────────────
	coord := outbox.New(store, adapter, mon, outbox.Config{
		Scheduler:       schedulerConfig(cfg),
		MaxPayloadBytes: cfg.Delivery.MaxPayloadKB << 10,
	}, outbox.Options{OnResult: reg.ObserveResult})

	evSub := coord.Subscribe(reg.ObserveEvent)
	defer evSub.Unsubscribe()
	netSub := coord.SubscribeNetwork(reg.ObserveNetwork)
	defer netSub.Unsubscribe()
	reg.SetStatsSource(coord.Stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("init outbox: %w", err)
	}
	defer coord.Close()

	// ── 10. Start HTTP / WebSocket transport ─────────────────────────────────
	srv := transphttp.New(coord, nsReg, cfg, reg, dev.ID())
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("outboxd ready", "device_id", dev.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 11. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete. Deferred calls then stop
	// the scheduler, the monitor and the store in reverse order.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	slog.Info("outboxd stopped")
	return nil
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openStore(c config.StorageConfig, dir string) (storage.Store, error) {
	switch c.Engine {
	case config.EngineSQLite:
		return sqlite.Open(dir)
	default:
		return local.Open(dir, local.Config{
			Fsync:       local.FsyncPolicy(c.Fsync),
			OpenTimeout: config.Duration(c.OpenTimeoutMs),
		})
	}
}

// newAdapter builds the configured delivery adapter, wrapped in a circuit
// breaker when enabled. The returned func releases adapter resources.
func newAdapter(c config.DeliveryConfig, deviceID string, reg *metrics.Registry) (delivery.Adapter, func(), error) {
	var (
		adapter delivery.Adapter
		cleanup = func() {}
	)
	switch c.Adapter {
	case config.AdapterRedis:
		ttl, err := time.ParseDuration(c.Redis.IdempotencyTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis idempotency ttl: %w", err)
		}
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(c.Redis.Addr, ","),
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		cleanup = func() {
			if err := rdb.Close(); err != nil {
				slog.Warn("redis close error", "err", err)
			}
		}
		adapter = delivery.NewRedis(rdb, delivery.RedisConfig{
			KeyPrefix:      c.Redis.KeyPrefix,
			IdempotencyTTL: ttl,
		})
	default:
		adapter = delivery.NewHTTP(delivery.HTTPConfig{
			Endpoint:   c.Endpoint,
			APIKey:     c.APIKey,
			SigningKey: c.SigningKey,
			DeviceID:   deviceID,
		})
	}

	if c.Breaker.Enabled {
		adapter = delivery.WithBreaker(adapter, delivery.BreakerSettings{
			Name:                string(c.Adapter),
			ConsecutiveFailures: uint32(c.Breaker.ConsecutiveFailures),
			OpenTimeout:         config.Duration(c.Breaker.OpenMs),
			HalfOpenRequests:    uint32(c.Breaker.HalfOpenRequests),
			OnStateChange:       reg.ObserveBreaker,
		})
	}
	return adapter, cleanup, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	r := cfg.Retry
	return scheduler.Config{
		Backoff: scheduler.Backoff{
			Base:   config.Duration(r.BaseDelayMs),
			Cap:    config.Duration(r.MaxDelayMs),
			Jitter: r.Jitter,
		},
		DeliveryTimeout:      config.Duration(cfg.Delivery.TimeoutMs),
		MaxTransientAttempts: r.MaxTransientAttempts,
		MaxUnknownAttempts:   r.MaxUnknownAttempts,
		Workers:              r.Workers,
		BlockOnFailed:        r.BlockLaneOnFailure,
		RatePerSec:           float64(r.RatePerSec),
		Burst:                r.Burst,
	}
}
