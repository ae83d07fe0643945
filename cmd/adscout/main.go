// Package main wires together the adscout service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"adscout/internal/api"
	"adscout/internal/clock/system"
	"adscout/internal/config"
	"adscout/internal/dispatcher"
	"adscout/internal/logging"
	"adscout/internal/metrics"
	"adscout/internal/orchestrator"
	"adscout/internal/poller"
	pubsubpublisher "adscout/internal/publisher/pubsub"
	queuememory "adscout/internal/queue/memory"
	"adscout/internal/scout"
	"adscout/internal/scraper/adlibrary"
	"adscout/internal/storage/gcs"
	storagememory "adscout/internal/storage/memory"
	"adscout/internal/storage/postgres"
	"adscout/internal/telemetry"
	"adscout/internal/worker"
)

func main() {
	// A missing .env file is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracerProvider(ctx, "adscout")
	if err != nil {
		logger.Warn("tracer provider init failed", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer provider shutdown failed", zap.Error(err))
			}
		}()
	}

	scraper, err := adlibrary.New(adlibrary.Config{
		BaseURL: cfg.Scraper.BaseURL,
		Token:   cfg.Scraper.Token,
		Timeout: cfg.Scraper.Timeout,
	})
	if err != nil {
		logger.Fatal("scraper client init failed", zap.Error(err))
	}

	runs, creatives, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStores()

	publisher := buildPublisher(ctx, cfg, logger)
	blobs := buildBlobStore(ctx, cfg, logger)
	clock := system.New()

	broker := queuememory.NewBroker(queuememory.Config{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		StallTimeout:  cfg.Queue.StallTimeout,
	}, logger.Named("broker"))

	workerCfg := worker.Config{
		PollMaxAttempts: cfg.Scraper.PollMaxAttempts,
		PollInterval:    cfg.Scraper.PollInterval,
		LeaseTTL:        cfg.Sweeper.LeaseTTL,
		Topic:           cfg.PubSub.Topic,
		BlobPrefix:      cfg.Storage.Prefix,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Queue.Concurrency; i++ {
		workers = append(workers, worker.New(
			broker,
			scraper,
			runs,
			creatives,
			publisher,
			blobs,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(broker, workers)

	registry := poller.NewRegistry(scraper, runs, creatives, clock, poller.Config{
		PollMaxAttempts: cfg.Scraper.PollMaxAttempts,
		PollInterval:    cfg.Scraper.PollInterval,
		LeaseTTL:        cfg.Sweeper.LeaseTTL,
	}, logger.Named("poller"))
	defer registry.Close()

	sweeper := poller.NewSweeper(runs, dispatch, clock, poller.SweeperConfig{
		Interval: cfg.Sweeper.Interval,
	}, logger.Named("sweeper"))

	service := orchestrator.New(runs, creatives, dispatch, registry, scraper, clock, logger.Named("orchestrator"))
	apiServer := api.NewServer(service, dispatch, registry, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("stall reaper started", zap.Duration("interval", cfg.Queue.StallCheckInterval))
		broker.StartReaper(ctx, cfg.Queue.StallCheckInterval)
	}()

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Queue.Concurrency))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("lease sweeper started", zap.Duration("interval", cfg.Sweeper.Interval))
		sweeper.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	broker.Close()
	logger.Info("shutdown complete")
}

// buildStores selects Postgres when a DSN is configured and falls back to
// the in-memory stores for development.
func buildStores(ctx context.Context, cfg config.Config) (scout.RunStore, scout.CreativeStore, func(), error) {
	if cfg.Database.DSN == "" {
		return storagememory.NewRunStore(), storagememory.NewCreativeStore(), func() {}, nil
	}
	runs, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
		DSN:             cfg.Database.DSN,
		Table:           cfg.Database.RunsTable,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("run store: %w", err)
	}
	creatives, err := postgres.NewCreativeStore(ctx, postgres.CreativeStoreConfig{
		DSN:             cfg.Database.DSN,
		Table:           cfg.Database.CreativesTable,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		runs.Close()
		return nil, nil, nil, fmt.Errorf("creative store: %w", err)
	}
	return runs, creatives, func() {
		runs.Close()
		creatives.Close()
	}, nil
}

// buildPublisher returns a Pub/Sub publisher when a topic is configured.
func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) scout.Publisher {
	if cfg.PubSub.Topic == "" {
		return nil
	}
	client, err := pubsubv2.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Warn("pubsub client init failed, completion events disabled", zap.Error(err))
		return nil
	}
	return pubsubpublisher.New(client.Publisher(cfg.PubSub.Topic))
}

// buildBlobStore returns a GCS blob store when a bucket is configured.
func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) scout.BlobStore {
	if cfg.Storage.Bucket == "" {
		return nil
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		logger.Warn("gcs client init failed, snapshot archival disabled", zap.Error(err))
		return nil
	}
	store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.Bucket})
	if err != nil {
		logger.Warn("gcs blob store init failed, snapshot archival disabled", zap.Error(err))
		return nil
	}
	return store
}
