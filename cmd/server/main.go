// Package main is the entry point for the API server. With a database URL
// configured it runs against Postgres, MinIO and Redis; without one it falls
// back to a self-contained in-memory mode where jobs run inline.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/api"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/config"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/database"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/engine"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/extract"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/job"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/queue"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/repository"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/review"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/s3storage"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/signing"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var extractor extract.Extractor = extract.NewLocal()
	if cfg.TikaURL != "" {
		extractor = extract.NewHTTPClient(cfg.TikaURL, cfg.TikaTimeout)
	}
	signer := signing.NewSigner([]byte(cfg.SigningSecret))

	var srv *api.Server
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}

		blobs, err := s3storage.New(cfg)
		if err != nil {
			log.Fatalf("init storage: %v", err)
		}
		if err := blobs.EnsureBuckets(ctx); err != nil {
			log.Fatalf("ensure buckets: %v", err)
		}

		asynqClient := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer asynqClient.Close()
		enqueue := func(ctx context.Context, jobID string) error {
			return queue.EnqueueProcess(ctx, asynqClient, jobID)
		}

		workflow := review.New(repository.NewReviewRepository(pool), logger)
		eng := engine.New(blobs, extractor, logger)
		orchestrator := job.New(repository.NewJobRepository(pool), workflow, eng,
			repository.NewBatesRepository(pool), enqueue, blobs, logger)
		srv = api.New(cfg, workflow, orchestrator, blobs, signer, logger)
	} else {
		logger.Info("no database configured, running in-memory")
		mem := storage.NewMemoryStore()
		workflow := review.New(mem, logger)
		eng := engine.New(mem, extractor, logger)
		var orchestrator *job.Orchestrator
		// Inline mode runs each submitted job in its own goroutine instead
		// of a worker fleet.
		enqueue := func(ctx context.Context, jobID string) error {
			go func() {
				if err := orchestrator.Run(context.Background(), jobID); err != nil {
					logger.Error("inline job failed", "job", jobID, "error", err)
				}
			}()
			return nil
		}
		orchestrator = job.New(mem, workflow, eng, mem, enqueue, nil, logger)
		srv = api.New(cfg, workflow, orchestrator, mem, signer, logger)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
