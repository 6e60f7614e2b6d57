package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketpulse/config"
	"marketpulse/internal/analysis"
	"marketpulse/internal/api"
	"marketpulse/internal/cache"
	"marketpulse/internal/ingest"
	"marketpulse/internal/queue"
	"marketpulse/internal/scheduler"
	"marketpulse/internal/storage"
	"marketpulse/internal/upstream"
	"marketpulse/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketpulse.Name,
		"version": cfg.Marketpulse.Version,
	}).Info("starting marketpulse")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storageFromConfig(cfg)
	if err != nil {
		log.WithError(err).Error("failed to open storage")
		os.Exit(1)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		log.WithError(err).Error("failed to ensure database schema")
		os.Exit(1)
	}

	redisCache, err := cache.NewRedisCache(cfg.Cache)
	if err != nil {
		log.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer redisCache.Close()

	client := upstream.NewClient(cfg.Upstream)
	syncer := ingest.NewSyncer(client, store, cfg.Analysis.QuoteAsset)
	importer := ingest.NewImporter(client, store, cfg.Importer)
	engine := analysis.NewEngine(store, redisCache, cfg.Analysis, cfg.Cache.TTL)

	manager := queue.NewManager(cfg.Queues, queue.NewRedisJobStore(redisCache.Client()))
	manager.SetHandler(queue.QueueSync, func(ctx context.Context, job *queue.Job) error {
		result, err := syncer.SyncInstruments(ctx)
		if err != nil {
			return err
		}
		log.WithComponent("main").WithFields(logger.Fields{
			"synced": result.Synced,
			"errors": result.Errors,
		}).Info("instrument sync finished")
		return nil
	})
	manager.SetHandler(queue.QueueImport, func(ctx context.Context, job *queue.Job) error {
		payload := job.Payload.(queue.ImportPayload)
		result, err := importer.ImportCandles(ctx, payload.Interval)
		if err != nil {
			return err
		}
		log.WithComponent("main").WithFields(logger.Fields{
			"imported": result.Imported,
			"errors":   result.Errors,
		}).Info("candle import finished")
		return nil
	})
	manager.SetHandler(queue.QueueAnalysis, func(ctx context.Context, job *queue.Job) error {
		payload := job.Payload.(queue.AnalysisPayload)
		if payload.Mode == queue.ModeWarmCache {
			engine.WarmCache(ctx)
			return nil
		}
		_, err := engine.ComputeRanking(ctx, payload.Window)
		return err
	})
	manager.Start(ctx)

	sequencer := queue.NewSequencer(manager, cfg.Startup, cfg.Importer.Interval)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sequencer.Run(ctx)
	}()

	var cron *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		cron = scheduler.NewScheduler(manager, cfg.Scheduler, cfg.Importer.Interval)
		if err := cron.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start scheduler")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("scheduler disabled; relying on startup and admin jobs")
	}

	server := api.NewServer(cfg.Server, cfg.Marketpulse, cfg.Importer.Interval, engine, manager, sequencer)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received")

	cancel()
	if cron != nil {
		cron.Stop()
	}
	manager.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketpulse stopped")
}

func storageFromConfig(cfg *config.Config) (*storage.PostgresStore, error) {
	if cfg.Storage.DSN == "" {
		return nil, errors.New("storage.dsn is required")
	}
	return storage.NewPostgresStore(cfg.Storage)
}
