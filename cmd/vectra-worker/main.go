// Package main provides the vectra worker daemon. One process can run
// any combination of the three worker roles; each role consumes its own
// job stream with a bounded handler pool.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/lucasresch/vectra/internal/blob"
	"github.com/lucasresch/vectra/internal/config"
	"github.com/lucasresch/vectra/internal/events"
	"github.com/lucasresch/vectra/internal/metrics"
	"github.com/lucasresch/vectra/internal/models"
	"github.com/lucasresch/vectra/internal/queue"
	"github.com/lucasresch/vectra/internal/store"
	"github.com/lucasresch/vectra/internal/viz"
	"github.com/lucasresch/vectra/internal/worker"
)

func main() {
	roles := flag.String("roles", "collection,dataset,visualization",
		"comma-separated worker roles to run (collection, dataset, visualization)")
	flag.Parse()

	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect to metadata store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	jobs := queue.NewRedis(rdb)
	publisher := events.NewRedis(rdb)

	blobs, err := blob.NewS3(ctx, cfg.S3)
	if err != nil {
		logger.Error("connect to object storage failed", "error", err)
		os.Exit(1)
	}

	engine := viz.NewHTTPEngine(cfg.VizEngineURL, cfg.VizEngineTimeout)

	baseOpts := func(deadLetter queue.DeadLetterFunc) queue.ConsumeOptions {
		policy := queue.DefaultPolicy()
		policy.MaxAttempts = cfg.MaxJobAttempts
		return queue.ConsumeOptions{
			Group:         cfg.ConsumerGroup,
			MaxConcurrent: cfg.MaxConcurrentJobs,
			Policy:        policy,
			DeadLetter:    deadLetter,
		}
	}

	var specs []worker.ConsumerSpec
	for _, role := range strings.Split(*roles, ",") {
		switch strings.TrimSpace(role) {
		case "collection":
			w := worker.NewCollectionWorker(st, blobs, publisher, logger)
			specs = append(specs, worker.ConsumerSpec{
				Stream:  models.StreamCollection,
				Opts:    baseOpts(worker.DeadLetterRecorder(st, models.KindCollection, logger)),
				Handler: w.Handle,
			})
		case "dataset":
			w := worker.NewDatasetWorker(st, blobs, publisher, logger)
			specs = append(specs, worker.ConsumerSpec{
				Stream:  models.StreamDataset,
				Opts:    baseOpts(worker.DeadLetterRecorder(st, models.KindDataset, logger)),
				Handler: w.Handle,
			})
		case "visualization", "viz":
			w := worker.NewVisualizationWorker(st, blobs, engine, publisher, logger)
			specs = append(specs, worker.ConsumerSpec{
				Stream:  models.StreamVisualization,
				Opts:    baseOpts(worker.VisualizationDeadLetter(st, logger)),
				Handler: w.Handle,
			})
		case "":
		default:
			logger.Error("unknown worker role", "role", role)
			os.Exit(1)
		}
	}

	logger.Info("vectra-worker starting", "roles", *roles,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs, "group", cfg.ConsumerGroup)

	runner := worker.NewRunner(jobs, logger)
	err = runner.Run(ctx, specs)
	metrics.Default().LogSummary(logger)
	if err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("vectra-worker stopped")
}
