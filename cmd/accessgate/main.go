package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-erp/accessgate/internal/app"
	"github.com/atlas-erp/accessgate/internal/audit"
	audithttp "github.com/atlas-erp/accessgate/internal/audit/http"
	"github.com/atlas-erp/accessgate/internal/directory"
	directoryhttp "github.com/atlas-erp/accessgate/internal/directory/http"
	"github.com/atlas-erp/accessgate/internal/gateway"
	"github.com/atlas-erp/accessgate/internal/observability"
	"github.com/atlas-erp/accessgate/internal/platform/cache"
	"github.com/atlas-erp/accessgate/internal/platform/db"
	"github.com/atlas-erp/accessgate/internal/policy"
	policyhttp "github.com/atlas-erp/accessgate/internal/policy/http"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		// The policy store degrades to direct repository reads without redis.
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

	metrics := observability.NewMetrics()

	directoryService := directory.NewService(directory.NewRepository(pool))
	policyStore := policy.NewStore(policy.NewRepository(pool), directoryService, redisClient, cfg.PolicyCacheTTL, logger)
	auditRecorder := audit.NewRecorder(pool)
	auditService := audit.NewService(audit.NewRepository(pool))

	gw := gateway.New(policyStore, auditRecorder, logger, metrics)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		GatewayHandler:   gateway.NewHandler(logger, gw),
		DirectoryHandler: directoryhttp.NewHandler(logger, directoryService, gw),
		PolicyHandler:    policyhttp.NewHandler(logger, policyStore, directoryService, gw),
		AuditHandler:     audithttp.NewHandler(logger, auditService, directoryService, gw),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("accessgate listening", slog.String("addr", cfg.AppAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server", slog.Any("error", err))
		os.Exit(1)
	}
}
