package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/config"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/database"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/engine"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/extract"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/job"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/repository"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/review"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/s3storage"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/worker"
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

	var extractor extract.Extractor = extract.NewLocal()
	if cfg.TikaURL != "" {
		extractor = extract.NewHTTPClient(cfg.TikaURL, cfg.TikaTimeout)
	}

	workflow := review.New(repository.NewReviewRepository(pool), logger)
	eng := engine.New(blobs, extractor, logger)
	orchestrator := job.New(repository.NewJobRepository(pool), workflow, eng,
		repository.NewBatesRepository(pool), nil, blobs, logger)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		// One job at a time per worker process; the engine parallelizes
		// within the job.
		Concurrency: 1,
	})
	processor := worker.NewProcessor(orchestrator, logger)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
