// Kestrel - Fraud scoring and admission control for SaaS signups.
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fingerprint"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/ratelimit"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/store"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"store", cfg.Store.Type,
		"eventbus", cfg.EventBus.Type,
		"review", cfg.Review.Driver,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Store (counters, sets, fingerprint corpus)
	storeImpl, err := store.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer storeImpl.Close()
	slog.Info("store initialized", "type", cfg.Store.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize review repository
	reviews, err := review.New(cfg.Review)
	if err != nil {
		slog.Error("failed to initialize review repository", "error", err)
		os.Exit(1)
	}
	defer reviews.Close()
	slog.Info("review repository initialized", "driver", cfg.Review.Driver)

	// Initialize hot-reloadable limits
	limits, err := domain.NewLimitsHolder(cfg.Limits)
	if err != nil {
		slog.Error("invalid limits configuration", "error", err)
		os.Exit(1)
	}

	// Initialize Rule Engine (no hardcoded defaults - configure via API)
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize fraud service and rate limiter
	svc := fraud.NewService(storeImpl, busImpl, fingerprint.NewIndex(storeImpl), limits,
		fraud.WithRulesEngine(engine),
	)
	limiter := ratelimit.NewLimiter(storeImpl, busImpl, limits)
	slog.Info("fraud service initialized")

	// Initialize the review sink worker
	reviewWorker := worker.NewWorker(busImpl, reviews)
	if err := reviewWorker.Start(); err != nil {
		slog.Error("failed to start review worker", "error", err)
		os.Exit(1)
	}
	slog.Info("review worker started")

	// Initialize Server
	srv := api.NewServer(cfg.Server, svc, limiter, storeImpl, busImpl, reviews, engine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the worker first so in-flight decisions drain to the repository
	if err := reviewWorker.Stop(); err != nil {
		slog.Error("failed to stop review worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides layers per-deployment settings over the tier defaults.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("ignoring invalid KESTREL_PORT", "value", v)
		}
	}
	if v := os.Getenv("KESTREL_BLOCKED_IPS"); v != "" {
		cfg.Server.BlockedIPs = strings.Split(v, ",")
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Store.Type = "redis"
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.Type = "nats"
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Review.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Review.Driver = "postgres"
		cfg.Review.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Review.PostgresPort = port
		}
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Review.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Review.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Review.PostgresPassword = v
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - fraud scoring and admission control")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/checks/demo        - Demo abuse check")
	fmt.Println("    POST /v1/checks/payment     - Payment risk check")
	fmt.Println("    POST /v1/checks/bot         - Bot activity check")
	fmt.Println("    POST /v1/ratelimit/check    - Explicit rate limit check")
	fmt.Println("    POST /v1/usage/demo         - Record granted demo")
	fmt.Println("    POST /v1/usage/payment      - Record payment attempt")
	fmt.Println("    POST /v1/usage/registration - Record signup IP")
	fmt.Println("    GET  /v1/limits             - Current thresholds")
	fmt.Println("    PUT  /v1/limits             - Hot-reload thresholds")
	fmt.Println("    GET  /v1/rules              - List operator rules")
	fmt.Println("    POST /v1/rules              - Create an operator rule")
	fmt.Println("    POST /v1/rules/reload       - Replace the rule set")
	fmt.Println("    GET  /v1/reviews            - List flagged decisions")
	fmt.Println("    POST /v1/blocklist          - Block an IP")
	fmt.Println("    GET  /health                - Health check")
	fmt.Println("    GET  /metrics               - Prometheus metrics")
	fmt.Println()
}
