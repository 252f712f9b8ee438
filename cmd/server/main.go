package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wandeon/FiskAI-App-sub000/internal/certstore"
	"github.com/Wandeon/FiskAI-App-sub000/internal/config"
	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/internal/eventbus"
	"github.com/Wandeon/FiskAI-App-sub000/internal/fiscal"
	"github.com/Wandeon/FiskAI-App-sub000/internal/handler"
	"github.com/Wandeon/FiskAI-App-sub000/internal/processor"
	"github.com/Wandeon/FiskAI-App-sub000/internal/reconcile"
	"github.com/Wandeon/FiskAI-App-sub000/internal/server"
	"github.com/Wandeon/FiskAI-App-sub000/internal/service"
	"github.com/Wandeon/FiskAI-App-sub000/internal/storage"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.Logging.Level)
	defer log.Sync()

	ctx := context.Background()
	log.Info(ctx, "Starting application")

	var repo domain.Repository
	if cfg.Database.DSN != "" {
		store, err := storage.NewGormStore(cfg.Database.DSN)
		if err != nil {
			log.Fatal(ctx, "Failed to open database",
				"error", err,
			)
		}
		repo = store
		log.Info(ctx, "Repository initialized", "engine", "mysql")
	} else {
		repo = storage.NewMemoryStore()
		log.Info(ctx, "Repository initialized", "engine", "memory")
	}

	envelope, err := certstore.NewEnvelope(cfg.Fiscal.MasterSecret)
	if err != nil {
		log.Fatal(ctx, "Failed to initialize certificate envelope",
			"error", err,
		)
	}
	certs := certstore.New(repo, envelope, log)

	fiscalClient := fiscal.NewClient(fiscal.ClientConfig{
		TestEndpoint: cfg.Fiscal.TestEndpoint,
		ProdEndpoint: cfg.Fiscal.ProdEndpoint,
		Timeout:      cfg.Fiscal.SubmitTimeout,
	}, log)
	builder := fiscal.NewMessageBuilder()
	decision := fiscal.NewDecisionEngine(repo)

	proc := processor.New(repo, certs, fiscalClient, builder, log, processor.Config{
		BatchSize:          cfg.Fiscal.BatchSize,
		StaleLockThreshold: cfg.Fiscal.StaleLockThreshold,
		Parallelism:        cfg.Fiscal.Parallelism,
		PassCeiling:        cfg.Fiscal.PassCeiling,
	})

	matcher := reconcile.NewService(repo, log)

	eventBusCfg := &eventbus.Config{
		ChannelBuffer: cfg.EventBus.ChannelBufferSize,
		MaxRetries:    cfg.Worker.MaxRetries,
	}
	bus := eventbus.New(log, eventBusCfg)

	matchConsumer := eventbus.NewMatchConsumer(matcher, log, cfg.Worker.PoolSize)
	if err := bus.Subscribe(eventbus.EventTypeTransactionImported, matchConsumer); err != nil {
		log.Fatal(ctx, "Failed to subscribe consumer",
			"error", err,
		)
	}
	if err := bus.Start(ctx); err != nil {
		log.Fatal(ctx, "Failed to start event bus",
			"error", err,
		)
	}
	log.Info(ctx, "Event bus started",
		"worker_count", cfg.Worker.PoolSize,
	)

	csvProcessor := service.NewCSVProcessor(bus, repo, log)
	statementService := service.NewStatementService(repo, csvProcessor, log)
	fiscalService := service.NewFiscalService(repo, decision, log)
	log.Info(ctx, "Services initialized")

	fiscalHandler := handler.NewFiscalHandler(fiscalService, proc, log)
	reconcileHandler := handler.NewReconcileHandler(matcher, log)
	statementHandler := handler.NewStatementHandler(statementService, log)
	certificateHandler := handler.NewCertificateHandler(certs, log)
	healthHandler := handler.NewHealthHandler()

	srv := server.New(cfg, log,
		fiscalHandler,
		reconcileHandler,
		statementHandler,
		certificateHandler,
		healthHandler,
	)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "Failed to start HTTP server",
				"error", err,
			)
		}
	}()

	log.Info(ctx, "Application started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(ctx, "Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	// Graceful shutdown in order:
	// 1. Stop accepting new HTTP requests
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "HTTP server shutdown error",
			"error", err,
		)
	}

	// 2. Stop event bus and wait for workers to finish
	if err := bus.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Event bus shutdown error",
			"error", err,
		)
	}

	log.Info(ctx, "Application stopped gracefully")
}
