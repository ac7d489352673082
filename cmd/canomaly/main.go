// Canomaly - Scalper risk scoring for ticket purchases.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/canomaly/internal/api"
	"github.com/opensource-finance/canomaly/internal/bus"
	"github.com/opensource-finance/canomaly/internal/cache"
	"github.com/opensource-finance/canomaly/internal/domain"
	"github.com/opensource-finance/canomaly/internal/fareclass"
	"github.com/opensource-finance/canomaly/internal/model"
	"github.com/opensource-finance/canomaly/internal/purchase"
	"github.com/opensource-finance/canomaly/internal/repository"
	"github.com/opensource-finance/canomaly/internal/rules"
	"github.com/opensource-finance/canomaly/internal/scoring"
	"github.com/opensource-finance/canomaly/internal/tracing"
	"github.com/opensource-finance/canomaly/internal/velocity"
	"github.com/opensource-finance/canomaly/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg, err := domain.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging, os.Stdout))

	slog.Info("starting canomaly",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"normalization", cfg.Model.Normalization,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// The model is required. Without it no request can be scored.
	m, err := model.LoadFile(cfg.Model.Path)
	if err != nil {
		slog.Error("failed to load model artifact", "path", cfg.Model.Path, "error", err)
		os.Exit(1)
	}
	info := m.Info()
	slog.Info("model loaded",
		"path", cfg.Model.Path,
		"version", info.Version,
		"trees", info.Trees,
		"features", len(info.FeatureNames),
	)

	engine := newEngine(cfg.Model, m)
	slog.Info("scoring engine initialized", "normalization", engine.Mode())

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	ruleEngine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer ruleEngine.Close()
	if err := loadRules(ctx, repo, ruleEngine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", ruleEngine.RulesCount())

	velocitySvc := velocity.NewService(cacheImpl, cfg.Velocity.Window)

	purchases, err := purchase.NewService(purchase.Deps{
		Engine:     engine,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Rules:      ruleEngine,
		Velocity:   velocitySvc,
		Config:     cfg.Persistence,
	})
	if err != nil {
		slog.Error("failed to initialize purchase service", "error", err)
		os.Exit(1)
	}

	auditWorker := worker.NewWorker(busImpl, repo)
	if err := auditWorker.Start(); err != nil {
		slog.Error("failed to start audit worker", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Purchases:  purchases,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Rules:      ruleEngine,
		Model:      m,
		Version:    Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("canomaly is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := auditWorker.Stop(); err != nil {
		slog.Error("failed to stop audit worker", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("canomaly shutdown complete")
}

func newLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// newEngine picks the normalizer. Reference mode needs a usable range in
// the artifact; otherwise live requests fall back to batch normalization.
func newEngine(cfg domain.ModelConfig, m *model.Model) *scoring.Engine {
	scorer := model.NewScorer(m)
	if cfg.Normalization != domain.NormalizeReference {
		return scoring.NewEngine(fareclass.Default(), scorer)
	}
	ref := m.Reference()
	if !ref.Valid() {
		slog.Warn("model artifact has no reference score range, using batch normalization",
			"path", cfg.Path,
		)
		return scoring.NewEngine(fareclass.Default(), scorer)
	}
	return scoring.NewEngine(fareclass.Default(), scorer,
		scoring.WithNormalizer(scoring.Normalizer{Min: ref.Min, Max: ref.Max}),
	)
}

// loadRules loads advisory rules from the database, seeding the built-in
// set on first start.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	configs, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	if len(configs) == 0 {
		configs = rules.DefaultRules()
		for _, cfg := range configs {
			if err := repo.SaveRuleConfig(ctx, cfg); err != nil {
				return fmt.Errorf("seed rule %s: %w", cfg.ID, err)
			}
		}
		slog.Info("seeded default rules", "count", len(configs))
	}

	return engine.LoadRules(configs)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  CANOMALY")
	fmt.Println("  Scalper risk scoring for ticket purchases")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /tickets/buy              - Score and persist a purchase")
	fmt.Println("    POST /tickets/score            - Batch score without persisting")
	fmt.Println("    GET  /tickets                  - List issued tickets")
	fmt.Println("    GET  /transactions             - List transactions")
	fmt.Println("    GET  /transactions/{id}        - Transaction with tickets and audit log")
	fmt.Println("    GET  /anomalies/stats          - Anomaly aggregates")
	fmt.Println("    GET  /rules                    - List advisory rules")
	fmt.Println("    POST /rules                    - Create an advisory rule")
	fmt.Println("    POST /rules/reload             - Hot-reload rules from database")
	fmt.Println("    GET  /model                    - Model metadata")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
