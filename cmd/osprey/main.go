// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fraudtriage/engine/internal/api"
	"github.com/fraudtriage/engine/internal/bus"
	"github.com/fraudtriage/engine/internal/cache"
	"github.com/fraudtriage/engine/internal/domain"
	"github.com/fraudtriage/engine/internal/repository"
	"github.com/fraudtriage/engine/internal/rules"
	"github.com/fraudtriage/engine/internal/stream"
	"github.com/fraudtriage/engine/internal/velocity"
	"github.com/fraudtriage/engine/internal/worker"
)

// Version information (set via ldflags).
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("FRAUDTRIAGE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting fraud triage engine",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg := domain.DefaultConfig()
	if os.Getenv("FRAUDTRIAGE_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(&cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"database_driver", cfg.DatabaseDriver,
		"bus_backend", cfg.BusBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.DatabaseDriver)

	cacheImpl, err := cache.New(cfg)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "tier", cfg.Tier)

	busImpl, err := bus.New(cfg)
	if err != nil {
		slog.Error("failed to initialize push bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("push bus initialized", "backend", cfg.BusBackend)

	// The same Redis client backs both the Event Source Adapter and the
	// AI Queue Producer: one connection, two streams.
	redisAdapter, err := stream.NewAdapter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("failed to initialize redis stream adapter", "error", err)
		os.Exit(1)
	}
	defer redisAdapter.Close()
	slog.Info("redis stream adapter initialized", "addr", cfg.RedisAddr)

	velocitySvc := velocity.NewService(cacheImpl, cfg.VelocityWindow)

	engine, err := rules.NewEngine(velocitySvc, rules.Thresholds{
		ApproveBelow: cfg.RiskApproveBelow,
		BlockAbove:   cfg.RiskBlockAbove,
	})
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized")

	pipeline, err := worker.New(ctx, redisAdapter, redisAdapter, repo, repo, engine, busImpl, velocitySvc, cfg)
	if err != nil {
		slog.Error("failed to initialize triage pipeline", "error", err)
		os.Exit(1)
	}
	go pipeline.Run(ctx)
	slog.Info("triage pipeline started", "stream", cfg.InboundStream, "group", cfg.InboundGroup)

	broadcaster := worker.NewBroadcaster(repo, busImpl, &pipeline.Meter, cfg.StatsInterval)
	go broadcaster.Run(ctx)
	slog.Info("stats broadcaster started", "interval", cfg.StatsInterval)

	srv := api.NewServer(cfg, repo, repo, busImpl, broadcaster, Version)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("fraud triage engine is ready", "host", cfg.HTTPHost, "port", cfg.HTTPPort)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("fraud triage engine shutdown complete")
}

// applyEnvOverrides lets individual settings be overridden without
// switching tiers wholesale: the Redis address and password, the
// database DSN, the NATS URL and the HTTP port. Other settings keep
// their tier defaults.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("FRAUDTRIAGE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FRAUDTRIAGE_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("FRAUDTRIAGE_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("FRAUDTRIAGE_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("FRAUDTRIAGE_HTTP_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.HTTPPort = port
		}
	}
}

func printBanner(cfg domain.Config, version string) {
	fmt.Println()
	fmt.Println("  fraud-triage-engine")
	fmt.Println("  ===================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.HTTPHost, cfg.HTTPPort)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /api/v1/dashboard/stats                 - Status breakdown and current TPS")
	fmt.Println("    GET  /api/v1/dashboard/queue                 - Cases awaiting a human decision")
	fmt.Println("    GET  /api/v1/dashboard/cases/{case_id}       - Fetch a case")
	fmt.Println("    POST /api/v1/dashboard/cases/{case_id}/resolve - Record a human decision")
	fmt.Println("    POST /api/v1/fraud-cases/ai-update            - Fold in an AI investigation verdict")
	fmt.Println("    GET  /api/v1/fraud-cases/{case_id}            - Fetch a case")
	fmt.Println("    GET  /ws-fraud                                - Push feed (queue, stats)")
	fmt.Println("    GET  /api/v1/health                           - Health check")
	fmt.Println("    GET  /api/v1/ready                            - Readiness check")
	fmt.Println()
}
