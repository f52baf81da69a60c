package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/compute"
	"github.com/shaunzlim0123/query-pilot/internal/config"
	"github.com/shaunzlim0123/query-pilot/internal/engine"
	"github.com/shaunzlim0123/query-pilot/internal/evaluator"
	"github.com/shaunzlim0123/query-pilot/internal/events"
	"github.com/shaunzlim0123/query-pilot/internal/notify"
	"github.com/shaunzlim0123/query-pilot/internal/scheduler"
	"github.com/shaunzlim0123/query-pilot/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load("./config")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Open durable storage
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer db.Close()

	metricStore := storage.NewMetricStore(logger.Named("metrics"), db)
	alarmStore := storage.NewAlarmStore(logger.Named("alarms"), db)
	reportStore := storage.NewReportStore(logger.Named("reports"), db)

	// Register analytic datasets
	queryEngine := engine.NewSQLEngine(logger.Named("engine"))
	defer queryEngine.Close()
	for _, ds := range cfg.Datasets {
		if err := queryEngine.Register(ds.ID, ds.Driver, ds.DSN); err != nil {
			logger.Fatal("Failed to register dataset",
				zap.String("dataset_id", ds.ID),
				zap.Error(err))
		}
	}

	computeSvc := compute.New(logger.Named("compute"), queryEngine, cfg.Compute.MaxConcurrent)

	notifier := notify.NewWebhookNotifier(logger.Named("notify"), notify.WebhookConfig{
		Timeout:      cfg.Notify.Timeout,
		MaxAttempts:  cfg.Notify.MaxAttempts,
		InitialDelay: cfg.Notify.InitialDelay,
		MaxDelay:     cfg.Notify.MaxDelay,
		Multiplier:   cfg.Notify.Multiplier,
	})

	// Connect the append-only event log when NATS is configured
	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		opts := []nats.Option{
			nats.Name(cfg.App.Name),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
			nats.Timeout(cfg.NATS.ConnectTimeout),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				logger.Warn("NATS disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		}
		nc, err := nats.Connect(cfg.NATS.URL, opts...)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		publisher, err = events.NewPublisher(logger.Named("events"), js)
		if err != nil {
			logger.Fatal("Failed to initialize event log", zap.Error(err))
		}
		logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	} else {
		logger.Info("NATS not configured, event log disabled")
	}

	alarmEvaluator := evaluator.NewEvaluator(
		logger.Named("evaluator"),
		alarmStore, metricStore, computeSvc, notifier, publisher,
		cfg.Alarms.MinCheckInterval,
	)
	reportScheduler := scheduler.NewReportScheduler(
		logger.Named("scheduler"),
		reportStore, metricStore, computeSvc, notifier, publisher,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := alarmEvaluator.Start(ctx); err != nil {
		logger.Fatal("Failed to start alarm evaluator", zap.Error(err))
	}
	if err := reportScheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start report scheduler", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	done := make(chan struct{})
	go func() {
		alarmEvaluator.Stop()
		reportScheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Server shut down gracefully")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timeout reached, some work may not have completed")
	}
}
