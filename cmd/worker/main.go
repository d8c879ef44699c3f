package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"company-intel/internal/archive"
	"company-intel/internal/config"
	"company-intel/internal/connector"
	"company-intel/internal/fanout"
	"company-intel/internal/llm"
	"company-intel/internal/logging"
	"company-intel/internal/memory"
	"company-intel/internal/models"
	"company-intel/internal/pipeline"
	"company-intel/internal/queue"
	"company-intel/internal/ratelimit"
	"company-intel/internal/reply"
	"company-intel/internal/runs"
	"company-intel/internal/secretbox"
	"company-intel/internal/store"
	"company-intel/internal/telemetry"
	workerproc "company-intel/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	box, err := secretbox.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("load encryption key", "err", err)
		os.Exit(1)
	}

	st, err := store.New(ctx, cfg.PostgresDSN, box)
	if err != nil {
		logger.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "err", err)
		os.Exit(1)
	}

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)
	throttle := ratelimit.NewTokenBucket(client, cfg.JobRateLimit, cfg.JobRefillPerSecond(), time.Hour)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Error("init archive", "err", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: cfg.ConnectorTimeout + 5*time.Second}
	tracker := runs.NewTracker(st, logger)
	orch := pipeline.New(pipeline.Deps{
		Credentials: st,
		Memory:      memory.NewManager(st, logger),
		Tracker:     tracker,
		Fanout: fanout.NewExecutor(tracker, connector.Options{
			HTTPClient:     httpClient,
			DefaultTimeout: cfg.ConnectorTimeout,
			Limiters:       connector.NewLimiters(cfg.ConnectorRPS, cfg.ConnectorBurst),
		}, logger),
		LLM: llm.NewChain(llm.NewFactory(llm.ClientOptions{
			Timeout:    cfg.LLMTimeout,
			MaxRetries: 0,
		}), telemetry.ProviderObserver{}, logger).WithAttemptTimeout(cfg.LLMTimeout),
		Reply:       reply.NewSlack(nil, cfg.SlackAPIBase),
		Errors:      st,
		Archive:     archiver,
		Logger:      logger,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, st, throttle, func(ctx context.Context, job models.EnrichmentJob) error {
		out, err := orch.Process(ctx, job)
		if err != nil {
			return err
		}
		logger.Info("job processed",
			"job_id", job.ID(),
			"run_id", out.RunID,
			"status", out.Status,
			"succeeded", out.Succeeded,
			"failed", out.Failed,
			"provider", out.Provider,
			"duration_ms", out.Duration.Milliseconds(),
		)
		return nil
	}, logger).WithWorkerID(workerID)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("worker starting",
		"visibility", cfg.VisibilityTimeout.String(),
		"backoff_initial", cfg.BackoffInitial.String(),
		"archive", archiver != nil,
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
