// Vigia - PPE consumption anomaly detection for field operations.
// Copyright (c) 2025 opensafety
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

	"github.com/opensafety/vigia/internal/alerts"
	"github.com/opensafety/vigia/internal/analytics"
	"github.com/opensafety/vigia/internal/api"
	"github.com/opensafety/vigia/internal/bus"
	"github.com/opensafety/vigia/internal/cache"
	"github.com/opensafety/vigia/internal/consumption"
	"github.com/opensafety/vigia/internal/deliveries"
	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/policies"
	"github.com/opensafety/vigia/internal/repository"
	"github.com/opensafety/vigia/internal/requisitions"
	"github.com/opensafety/vigia/internal/risk"
	"github.com/opensafety/vigia/internal/rules"
	"github.com/opensafety/vigia/internal/stats"
	"github.com/opensafety/vigia/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("VIGIA_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting vigia",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("VIGIA_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_evaluation", cfg.AsyncEvaluation,
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

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize custom rule engine and load persisted rules
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Domain services
	history := consumption.NewHistory(repo)
	evaluator := rules.NewEvaluator(repo, history, engine, busImpl, logger)
	scorer := risk.NewScorer(repo, busImpl, logger)
	alertSvc := alerts.NewService(repo, scorer, busImpl, logger)
	policySvc := policies.NewService(repo)
	recorder := deliveries.NewService(repo, evaluator, busImpl, cfg.AsyncEvaluation, logger)
	reqSvc := requisitions.NewService(repo, evaluator, recorder, logger)
	aggregator := stats.NewAggregator(repo, history, evaluator, cacheImpl, busImpl, logger)
	analyticsSvc := analytics.NewService(repo, history, cacheImpl, logger)

	// Async evaluation worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.AsyncEvaluation || os.Getenv("VIGIA_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, recorder, logger)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	// Initialize Server
	handler := api.NewHandler(repo, cacheImpl, recorder, reqSvc, alertSvc, policySvc, analyticsSvc, aggregator, scorer, engine, Version)
	srv := api.NewServer(cfg.Server, handler)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("vigia is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("vigia shutdown complete")
}

// loadRulesFromDatabase loads custom rules into the engine.
// All rules are configured via POST /rules - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.ReloadRules(dbRules)
	}

	slog.Info("no custom rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  VIGIA - PPE Consumption Anomaly Detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /deliveries              - Record a delivery and evaluate it")
	fmt.Println("    POST /requisitions            - Create a requisition")
	fmt.Println("    GET  /alerts                  - List alerts")
	fmt.Println("    POST /alerts/{id}/review      - Review an alert")
	fmt.Println("    PUT  /materials/{id}/policy   - Set a consumption policy")
	fmt.Println("    GET  /analytics/ranking       - Top/bottom consumer ranking")
	fmt.Println("    GET  /analytics/heatmap       - Employee x material heatmap")
	fmt.Println("    POST /statistics/recompute    - Rebuild monthly rollups")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
