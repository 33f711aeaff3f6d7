package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/membergate/membergate/internal/accounts"
	"github.com/membergate/membergate/internal/app"
	"github.com/membergate/membergate/internal/auth"
	"github.com/membergate/membergate/internal/observability"
	"github.com/membergate/membergate/internal/passreset"
	"github.com/membergate/membergate/internal/payments"
	"github.com/membergate/membergate/internal/platform/cache"
	"github.com/membergate/membergate/internal/platform/db"
	"github.com/membergate/membergate/internal/provision"
	"github.com/membergate/membergate/internal/shared"
	"github.com/membergate/membergate/internal/twofactor"
	"github.com/membergate/membergate/jobs"
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "membergate_session", cfg.SessionSecret, cfg.SessionTTL, cfg.RememberTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	asynqClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init task client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("task client close", slog.Any("error", err))
		}
	}()
	dispatcher := jobs.NewMailDispatcher(asynqClient, cfg.LoginURL, cfg.ResetURL)

	accountRepo := accounts.NewRepository(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	provisionService := provision.NewService(accountRepo, dispatcher, idempotencyStore, metrics, logger)
	twoFactorService := twofactor.NewService(accountRepo, cfg.TOTPIssuer)
	resetService := passreset.NewService(accountRepo, dispatcher, logger)
	authService := auth.NewService(accountRepo, twoFactorService)

	sessionAudit := auth.NewSessionAudit(pool)
	authHandler := auth.NewHandler(logger, authService, accountRepo, sessionAudit, twoFactorService, resetService, sessionManager, csrfManager, metrics)
	webhookHandler := payments.NewWebhookHandler(logger, provisionService, cfg.StripeWebhookSecret)

	var opsHandler *provision.OpsHandler
	if cfg.OpsToken != "" {
		opsHandler = provision.NewOpsHandler(logger, provisionService, cfg.OpsToken)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    authHandler,
		WebhookHandler: webhookHandler,
		OpsHandler:     opsHandler,
		JobHandler:     jobHandler,
		Pool:           pool,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
