package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-erp/accessgate/internal/app"
	"github.com/atlas-erp/accessgate/internal/audit"
	"github.com/atlas-erp/accessgate/internal/directory"
	"github.com/atlas-erp/accessgate/internal/platform/cache"
	"github.com/atlas-erp/accessgate/internal/platform/db"
	"github.com/atlas-erp/accessgate/internal/policy"
	"github.com/atlas-erp/accessgate/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, policy cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	directoryService := directory.NewService(directory.NewRepository(pool))
	policyStore := policy.NewStore(policy.NewRepository(pool), directoryService, redisClient, cfg.PolicyCacheTTL, logger)
	auditRepo := audit.NewRepository(pool)
	auditService := audit.NewService(auditRepo)

	exporter := jobs.NewAuditExporter(auditService, directoryService, cfg.AuditExportDir, logger)
	warmer := jobs.NewPolicyWarmer(policyStore, auditRepo, logger)

	// Scheduled runs carry zero-valued payloads: the exporter defaults to
	// the previous UTC day across all companies, the warmer to principals
	// active in the last 24 hours.
	exportTask, err := jobs.NewAuditExportTask(jobs.AuditExportPayload{})
	if err != nil {
		logger.Error("build export task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewPolicyWarmupTask(jobs.PolicyWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditExport, Handler: exporter.Handle},
			{Type: jobs.TaskPolicyWarmup, Handler: warmer.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 2 * * *", Task: exportTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
			{Spec: "@every 30m", Task: warmupTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("redis", cfg.RedisAddr))
	start := time.Now()
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped", slog.Duration("uptime", time.Since(start)))
}
