// Package main runs the workflow execution core: trigger admission, the
// execution engine, the node sandbox and the HTTP/websocket ingress.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge-io/flowforge/internal/engine"
	"github.com/flowforge-io/flowforge/internal/events"
	"github.com/flowforge-io/flowforge/internal/history"
	"github.com/flowforge-io/flowforge/internal/ingress"
	"github.com/flowforge-io/flowforge/internal/messaging/kafka"
	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/platform/config"
	"github.com/flowforge-io/flowforge/internal/platform/logger"
	"github.com/flowforge-io/flowforge/internal/platform/metrics"
	"github.com/flowforge-io/flowforge/internal/platform/telemetry"
	"github.com/flowforge-io/flowforge/internal/sandbox"
	"github.com/flowforge-io/flowforge/internal/schedule"
	"github.com/flowforge-io/flowforge/internal/trigger"
	"github.com/flowforge-io/flowforge/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logger)
	log.Info("starting flowforge",
		"version", cfg.Version, "environment", cfg.Service.Environment)

	var rec *metrics.Metrics
	if cfg.Telemetry.MetricsEnabled {
		rec = metrics.New(cfg.Service.Name)
	}

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err.Error())
	}

	bus := events.NewBus(events.Config{
		ReplayWindow: time.Duration(cfg.Events.ReplayWindowMs) * time.Millisecond,
		ReplayMax:    cfg.Events.ReplayMax,
		BufferSize:   cfg.Events.BufferSize,
	})

	var bridge *kafka.Bridge
	if cfg.Kafka.Enabled {
		bridge, err = kafka.New(cfg.Kafka.Brokers, log, rec)
		if err != nil {
			log.Fatal("failed to connect kafka bridge", "error", err.Error())
		}
		bridge.Attach(bus)
		log.Info("kafka bridge attached", "brokers", cfg.Kafka.Brokers)
	}

	var sink history.Sink
	if cfg.Database.Enabled {
		pg, err := history.NewPostgres(cfg.Database.DSN())
		if err != nil {
			log.Fatal("failed to open history database", "error", err.Error())
		}
		defer pg.Close()
		sink = pg
		log.Info("history sink: postgres", "host", cfg.Database.Host)
	} else {
		sink = history.NewMemory()
		log.Info("history sink: in-memory")
	}

	creds := vault.NewAudited(vault.NewStatic(), log)

	registry := nodes.NewRegistry()
	if err := nodes.RegisterBuiltins(registry, sandbox.NewItemTransformer()); err != nil {
		log.Fatal("failed to register node types", "error", err.Error())
	}

	runner := sandbox.NewRunner(registry, creds, log, tel.Tracer(),
		sandbox.Limits{
			NodeTimeout: time.Duration(cfg.Sandbox.NodeTimeoutMs) * time.Millisecond,
			MemoryBytes: uint64(cfg.Sandbox.MemoryMB) << 20,
			OutputBytes: int64(cfg.Sandbox.OutputMB) << 20,
		},
		sandbox.NetPolicy{
			AllowPrivateNetworks: cfg.Sandbox.AllowPrivateNetworks,
			MaxResponseBytes:     int64(cfg.Sandbox.OutputMB) << 20,
			RequestTimeout:       time.Duration(cfg.Sandbox.HTTPTimeoutMs) * time.Millisecond,
			MaxConcurrent:        cfg.Sandbox.MaxConcurrentReqs,
		})

	eng := engine.New(engine.Options{
		DefaultTimeout: time.Duration(cfg.Engine.DefaultTimeoutMs) * time.Millisecond,
		NodeTimeout:    time.Duration(cfg.Sandbox.NodeTimeoutMs) * time.Millisecond,
		MaxRetries:     cfg.Engine.Retries,
		Backoff: engine.Backoff{
			Base:         time.Duration(cfg.Engine.RetryBaseMs) * time.Millisecond,
			Cap:          time.Duration(cfg.Engine.RetryCapMs) * time.Millisecond,
			JitterFactor: 0.1,
		},
		MaxParallel: cfg.Engine.MaxParallel,
	}, runner, registry, sink, bus, log, rec)

	locks := newLockTable(cfg, log)
	manager := trigger.NewManager(trigger.Limits{
		Global:       cfg.Engine.Concurrency,
		PerWorkflow:  cfg.Engine.PerWorkflow,
		PerUser:      cfg.Engine.PerUser,
		QueueMax:     cfg.Queue.MaxLength,
		QueueTimeout: cfg.Queue.Timeout,
	}, eng, locks, log, rec)

	feeder := schedule.NewFeeder(manager, log)
	feeder.Start()

	auth := ingress.NewAuthenticator(cfg.Auth, log)
	server := ingress.New(cfg.HTTP, manager, eng, sink, registry, bus, auth, log, rec, cfg.Version)

	go func() {
		log.Info("ingress listening", "port", cfg.HTTP.Port)
		if err := server.Start(); err != nil {
			log.Fatal("ingress server failed", "error", err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("ingress shutdown failed", "error", err.Error())
	}
	feeder.Stop()
	manager.Close()
	eng.Close()
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			log.Error("kafka bridge close failed", "error", err.Error())
		}
	}
	if err := tel.Shutdown(ctx); err != nil {
		log.Error("telemetry shutdown failed", "error", err.Error())
	}
	log.Info("stopped")
}

// newLockTable picks the isolation lock backend. Redis serves multi-replica
// deployments; a single replica gets the in-process table.
func newLockTable(cfg *config.Config, log logger.Logger) trigger.LockTable {
	if !cfg.Redis.Enabled {
		return trigger.NewMemoryLocks()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect redis", "error", err.Error())
	}
	log.Info("isolation locks: redis", "addr", cfg.Redis.Addr())
	return trigger.NewRedisLocks(client)
}
