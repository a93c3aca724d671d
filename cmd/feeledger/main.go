package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"feeledger/internal/amqp"
	"feeledger/internal/auth"
	"feeledger/internal/backend"
	"feeledger/internal/cache"
	"feeledger/internal/cli"
	"feeledger/internal/core"
	apphttp "feeledger/internal/http"
	flog "feeledger/internal/log"
	"feeledger/internal/progress"
	"feeledger/internal/services"
)

func main() {
	cfg, logger := cli.LoadAndValidateConfig(flog.ComponentApp)

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", flog.FieldError, err)
		os.Exit(1)
	}
	store, err := backend.NewFactory(logger.Logger).CreateBackend(context.Background(), bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", flog.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	defer store.Close()

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		logger.Error("Failed to initialize session verifier", flog.FieldError, err)
		os.Exit(1)
	}

	cutoff, err := services.GetCutoffResolver(cfg.CutoffStrategy)
	if err != nil {
		logger.Error("Unknown cutoff strategy", flog.FieldError, err)
		os.Exit(1)
	}

	checks := map[string]apphttp.Pinger{}
	if store.Health != nil {
		checks["database"] = store.Health
	}

	hub := progress.NewHub()
	notifier := progress.Fanout{hub}

	var status *progress.RedisStatus
	if cfg.RedisAddr != "" {
		status, err = progress.NewRedisStatus(progress.RedisConfig{
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
		checks["redis"] = status
		logger.Info("Batch status tracking enabled", "addr", cfg.RedisAddr)
	}

	var amqpClient *amqp.Client
	if cfg.QueueEnabled() {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPProgressQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", flog.FieldError, err)
			os.Exit(1)
		}
		defer amqpClient.Close()
		checks["amqp"] = amqpClient
		logger.Info("Bulk dues jobs are queued", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	} else {
		logger.Info("AMQP disabled - bulk dues run inline")
	}

	classCache := cache.NewLRUCache[core.Class](256, cfg.ClassCacheTTL)
	ledger := services.NewLedgerService(store.Store, cutoff, classCache)
	mutator := services.NewDuesMutator(store.Store, notifier, services.DuesMutatorConfig{
		Concurrency: cfg.BulkConcurrency,
	})

	opts := apphttp.Options{
		Ledger:            ledger,
		Mutator:           mutator,
		Verifier:          verifier,
		Hub:               hub,
		Checks:            checks,
		Logger:            logger,
		RequestsPerMinute: cfg.RateLimitPerMinute,
	}
	if amqpClient != nil {
		opts.Jobs = amqpClient
	}
	if status != nil {
		opts.Status = status
	}

	srv := apphttp.NewServer(":"+cfg.Port, opts)
	srv.ReadTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	var billing *services.BillingProcessor
	if cfg.BillingInterval > 0 {
		billing = services.NewBillingProcessor(store.Store, mutator, cutoff, services.BillingProcessorConfig{
			Interval: cfg.BillingInterval,
		})
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", flog.FieldError, err)
		}
		if billing != nil {
			if err := billing.Stop(shutdownCtx); err != nil {
				logger.Error("Billing processor stop error", flog.FieldError, err)
			}
		}
	})

	go hub.Run(ctx)
	go cache.NewJanitor(classCache).Run(ctx, time.Minute)

	if amqpClient != nil {
		// events published by dues workers reach this instance's websockets
		go func() {
			if err := amqpClient.ConsumeProgress(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Progress consumption stopped", flog.FieldError, err)
			}
		}()
	}

	if billing != nil {
		if err := billing.Start(ctx); err != nil {
			logger.Error("Failed to start billing processor", flog.FieldError, err)
			os.Exit(1)
		}
	}

	logger.Info("Starting feeledger server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"cutoff_strategy", cfg.CutoffStrategy,
		"queue_enabled", cfg.QueueEnabled())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", flog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
