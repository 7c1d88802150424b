package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lfelipessoa/batchbus/internal/config"
	"github.com/lfelipessoa/batchbus/internal/database"
	"github.com/lfelipessoa/batchbus/internal/observability"
	"github.com/lfelipessoa/batchbus/internal/scheduler"
	"github.com/lfelipessoa/batchbus/internal/service"
	"github.com/lfelipessoa/batchbus/internal/worker"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Initialize logger
	config.InitLogger(cfg)

	slog.Info("Starting batchbus", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to MongoDB
	db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Disconnect(context.Background()); err != nil {
			slog.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}()

	// Create indexes
	if err := database.CreateIndexes(ctx, db); err != nil {
		slog.Error("Failed to create indexes", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	batchJobRepo := database.NewBatchJobRepository(db)
	lockRepo := database.NewLockRepository(db)
	queueRepo := database.NewQueueRepository(db)
	cacheRepo := database.NewEventCacheRepository(db)

	// Initialize services
	lockService := service.NewLockService(lockRepo, cfg.LockDefaultTTL)
	eventBus := service.NewEventBusService(queueRepo, cacheRepo)
	batchJobService := service.NewBatchJobService(batchJobRepo, eventBus)

	// Attach the batch processor so created jobs advance through their
	// lifecycle as the dispatcher delivers the state machine's events
	processor := service.NewBatchProcessor(batchJobService, eventBus, lockService, cfg.LockDefaultTTL)
	if err := processor.Subscribe(); err != nil {
		slog.Error("Failed to subscribe batch processor", "error", err)
		os.Exit(1)
	}

	// Initialize event dispatcher
	instanceID, err := os.Hostname()
	if err != nil {
		instanceID = "dispatcher"
	}
	dispatcher := worker.NewDispatcher(
		queueRepo,
		eventBus,
		instanceID,
		cfg.DispatcherWorkers,
		cfg.DispatcherPollInterval,
		cfg.DispatcherClaimTTL,
	)
	dispatcher.Start(ctx)

	// Initialize scheduler
	sched := scheduler.NewScheduler(cfg, eventBus, lockService, lockRepo, queueRepo)
	for _, recurring := range cfg.RecurringEvents {
		payload := map[string]interface{}{"name": recurring.Name}
		if err := sched.RegisterRecurring(recurring.Name, recurring.Cron, payload, nil); err != nil {
			slog.Error("Failed to register recurring event",
				"event_name", recurring.Name,
				"error", err,
			)
			os.Exit(1)
		}
	}
	sched.Start(ctx)

	// Expose metrics and health
	observability.StartOpsServer(":"+cfg.OpsPort, db)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the scheduler first so no new work is scheduled
	slog.Info("Stopping scheduler...")
	sched.Stop(shutdownCtx)

	// Drain the dispatcher
	slog.Info("Stopping dispatcher...")
	dispatcher.Stop()

	slog.Info("batchbus stopped")
}
