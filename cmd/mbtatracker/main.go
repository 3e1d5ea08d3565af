package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbtatracker-data/internal/clock"
	"github.com/mbtatracker-data/internal/common/config"
	"github.com/mbtatracker-data/internal/common/db"
	"github.com/mbtatracker-data/internal/common/logger"
	"github.com/mbtatracker-data/internal/common/webhook"
	"github.com/mbtatracker-data/internal/ingest"
	"github.com/mbtatracker-data/internal/ingest/gtfsrt"
	"github.com/mbtatracker-data/internal/ingest/ratelimit"
	"github.com/mbtatracker-data/internal/ingest/rest"
	"github.com/mbtatracker-data/internal/ingest/retry"
	"github.com/mbtatracker-data/internal/metrics"
	"github.com/mbtatracker-data/internal/publish"
	"github.com/mbtatracker-data/internal/scheduler"
	"github.com/mbtatracker-data/internal/store"
	"github.com/mbtatracker-data/internal/validate"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "write to an in-memory store instead of Postgres")
	flag.Parse()

	// Load .env if present; real deployments configure the environment
	// directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log := logger.New(
		logger.ParseLevel(cfg.Logging.Level),
		logger.ConsoleWriter(),
		logger.FileWriter(cfg.Logging.FilePath),
	)

	log.Info("MBTA Tracker Data Service starting",
		"version", "1.0.0",
		"log_level", cfg.Logging.Level,
		"routes", len(cfg.API.Routes),
		"polling_interval", cfg.Ingest.PollingInterval.String(),
		"dry_run", *dryRun,
	)

	var writer ingest.Writer
	if *dryRun {
		log.Info("Dry run, records will not be persisted")
		writer = store.NewMemory()
	} else {
		database, err := db.New(cfg.Database.ConnectionString(), log)
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}
		defer database.Close()
		writer = store.NewPostgres(database, cfg.Ingest.BatchSize, log)
	}

	collector := metrics.NewCollector()
	if cfg.Metrics.Addr != "" {
		srv := collector.Serve(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var publisher ingest.Publisher
	if cfg.NATS.URL != "" {
		np, err := publish.NewNATS(cfg.NATS.URL, log, collector)
		if err != nil {
			log.Fatal("Failed to connect to NATS", "error", err)
		}
		defer np.Close()
		publisher = np
	} else {
		log.Info("NATS publishing disabled (no URL provided)")
	}

	clk := clock.New()
	limiter, err := ratelimit.New(cfg.Ingest.RateLimitPerMin, time.Minute, clk)
	if err != nil {
		log.Fatal("Failed to build rate limiter", "error", err)
	}
	limiter.OnWait(collector.ObserveRateLimitWait)
	executor := retry.NewExecutor(cfg.Ingest.MaxRetries, cfg.Ingest.RetryBaseDelay, cfg.Ingest.RetryMaxDelay, clk)
	pipeline := ingest.NewPipeline(validate.New(clk), writer, publisher, log)
	httpClient := ingest.NewHTTPClient()

	sources := []ingest.Source{
		rest.New(cfg.API, httpClient, limiter, executor, pipeline, clk, log),
		gtfsrt.New(cfg.GTFSRT, httpClient, limiter, executor, pipeline, clk, log),
	}

	sched := scheduler.New(
		cfg.Ingest.PollingInterval,
		cfg.Ingest.ShutdownTimeout,
		sources,
		clk,
		log,
		collector,
		webhook.NewClient(cfg.Webhook.URL),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	sched.Stop()

	log.Info("MBTA Tracker Data Service stopped")
}
