package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/JET1478/Claude-B2B-Implementation/internal/adapters"
	"github.com/JET1478/Claude-B2B-Implementation/internal/audit"
	"github.com/JET1478/Claude-B2B-Implementation/internal/budget"
	"github.com/JET1478/Claude-B2B-Implementation/internal/config"
	"github.com/JET1478/Claude-B2B-Implementation/internal/ingest"
	"github.com/JET1478/Claude-B2B-Implementation/internal/model"
	"github.com/JET1478/Claude-B2B-Implementation/internal/pipeline"
	"github.com/JET1478/Claude-B2B-Implementation/internal/queue"
	"github.com/JET1478/Claude-B2B-Implementation/internal/router"
	"github.com/JET1478/Claude-B2B-Implementation/internal/rules"
	"github.com/JET1478/Claude-B2B-Implementation/internal/server"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage/memory"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage/sqldb"
	"github.com/JET1478/Claude-B2B-Implementation/internal/telemetry"
	"github.com/JET1478/Claude-B2B-Implementation/internal/tenant"
)

const (
	serviceName   = "workflow-platform"
	queueCapacity = 1024
	ruleCacheSize = 256
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer(serviceName, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	ledger := budget.NewLedger(budget.Config{
		FailureThreshold: cfg.Budget.FailureThreshold,
		Cooldown:         cfg.Budget.Cooldown,
		MaxCooldown:      cfg.Budget.MaxCooldown,
	}, budget.WithStore(store), budget.WithLogger(logger))
	ledger.StartRollover()
	defer ledger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := tenant.NewRegistry(store, tenant.WithLogger(logger))
	if err := registry.Seed(ctx, cfg.Tenants); err != nil {
		log.Fatalf("Failed to seed tenants: %v", err)
	}
	if *configPath != "" {
		if err := registry.Watch(ctx, *configPath); err != nil {
			logger.Warn("tenant hot reload unavailable", slog.String("error", err.Error()))
		}
	}

	quality := model.NewQuality(
		cfg.Models.Quality.BaseURL,
		cfg.Models.Quality.APIKey,
		cfg.Models.Quality.Model,
		cfg.Models.Quality.MaxTokens,
		cfg.Models.Quality.Timeout,
	)
	routerOpts := []router.Option{router.WithLogger(logger)}
	if cfg.Models.Local.Enabled {
		routerOpts = append(routerOpts,
			router.WithCheapBackend(model.NewLocal(cfg.Models.Local.URL, cfg.Models.Local.Timeout)))
	}
	modelRouter := router.New(quality, ledger, routerOpts...)

	ruleCache, err := rules.NewCache(ruleCacheSize)
	if err != nil {
		log.Fatalf("Failed to build rule cache: %v", err)
	}

	recorder := audit.NewRecorder(store, audit.WithLogger(logger))
	q := queue.New(queueCapacity, cfg.Queue.Visibility)
	defer q.Close()

	executor := pipeline.NewExecutor(pipeline.Config{
		Store:       store,
		Recorder:    recorder,
		Router:      modelRouter,
		Rules:       ruleCache,
		Slack:       adapters.NewSlackClient(),
		CRM:         adapters.NewCRMClient(),
		Email:       adapters.NewSMTPSender(),
		StepTimeout: cfg.Pipeline.StepTimeout,
		StaleAfter:  cfg.Pipeline.StaleAfter,
	}, pipeline.WithLogger(logger), pipeline.WithLeaseExtender(q.Extend))

	pool := queue.NewPool(q, cfg.Queue.Workers, func(ctx context.Context, d queue.Delivery) error {
		_, err := executor.Execute(ctx, d.RunID)
		return err
	}, logger)

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	ingestor := ingest.NewService(store, ledger, recorder, q, ingest.WithLogger(logger))
	srv := server.New(
		server.Config{Port: cfg.Server.Port, RequestTimeout: cfg.Server.RequestTimeout},
		&server.Handlers{
			Ingest:     ingestor,
			Store:      store,
			Usage:      ledger,
			QueueDepth: q.Depth,
		},
		logger,
	)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	logger.Info("platform started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("workers", cfg.Queue.Workers),
		slog.Int("tenants", len(cfg.Tenants)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	// Stop feeding workers, then wait for in-flight runs to settle.
	cancel()
	q.Close()
	if err := <-poolDone; err != nil {
		logger.Error("worker pool exited with error", slog.String("error", err.Error()))
	}

	logger.Info("platform shutdown complete")
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Driver == "memory" {
		return memory.New(), nil
	}
	return sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
}
