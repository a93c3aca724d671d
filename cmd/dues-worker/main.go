package main

import (
	"context"
	"errors"
	"os"
	"time"

	"feeledger/internal/amqp"
	"feeledger/internal/auth"
	"feeledger/internal/backend"
	"feeledger/internal/cli"
	flog "feeledger/internal/log"
	"feeledger/internal/progress"
	"feeledger/internal/services"
	"feeledger/internal/worker"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(flog.ComponentWorker)
	logger.Info("Starting dues-worker")

	if !cfg.QueueEnabled() {
		logger.Error("AMQP_URL is required for the dues worker")
		os.Exit(1)
	}

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", flog.FieldError, err)
		os.Exit(1)
	}
	if bcfg.Type == backend.MemoryBackend {
		logger.Warn("Memory backend is process-local; the API will not see this worker's writes")
	}
	store, err := backend.NewFactory(logger.Logger).CreateBackend(context.Background(), bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", flog.FieldError, err)
		os.Exit(1)
	}
	defer store.Close()

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		logger.Error("Failed to initialize session verifier", flog.FieldError, err)
		os.Exit(1)
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPProgressQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", flog.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	notifier := progress.Fanout{amqpClient}
	if cfg.RedisAddr != "" {
		status, err := progress.NewRedisStatus(progress.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.StatusTTL,
		})
		if err != nil {
			logger.Error("Failed to connect to redis", flog.FieldError, err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		defer status.Close()
		notifier = append(notifier, status)
	}

	mutator := services.NewDuesMutator(store.Store, notifier, services.DuesMutatorConfig{
		Concurrency: cfg.BulkConcurrency,
	})
	dues := worker.NewDuesWorker(verifier, store.Store, mutator, notifier)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	go func() {
		if err := amqpClient.ConsumeJobs(ctx, dues.HandleJob); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Job consumption failed", flog.FieldError, err)
			os.Exit(1)
		}
	}()

	logger.Info("Dues worker started",
		"queue", cfg.AMQPQueue,
		"progress_queue", cfg.AMQPProgressQueue,
		"concurrency", cfg.BulkConcurrency)

	cli.WaitForShutdown(ctx, done)
	logger.Info("Dues worker stopped")
}
