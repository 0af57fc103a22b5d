package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MailQueue/internal/api"
	"MailQueue/internal/config"
	"MailQueue/internal/db"
	"MailQueue/internal/dedup"
	"MailQueue/internal/email"
	"MailQueue/internal/metrics"
	"MailQueue/internal/queue"
	"MailQueue/internal/render"
	"MailQueue/internal/retry"
	"MailQueue/internal/tracker"
	"MailQueue/internal/webhook"
	"MailQueue/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := newLogger(os.Getenv("LOG_FORMAT"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------
	// Queue
	// ------------------------------------------------
	rdb, err := queue.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid redis url", zap.Error(err))
	}
	defer rdb.Close()

	policy := retry.Policy{
		Ceiling:    cfg.RetryCeiling,
		Base:       cfg.BackoffBase,
		Multiplier: cfg.BackoffMultiplier,
		Max:        cfg.BackoffMax,
		Jitter:     cfg.BackoffJitter,
	}
	q := queue.New(rdb, cfg.QueuePrefix, policy, logger)

	// The service still starts without Redis; enqueue and health report
	// the outage until it comes back.
	if err := q.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup", zap.Error(err))
	}

	// ------------------------------------------------
	// Delivery Tracking
	// ------------------------------------------------
	var store tracker.Store = tracker.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("DATABASE_URL not set, delivery records are kept in memory")
	}
	deliveries := tracker.New(store, logger)

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Templates + Provider
	// ------------------------------------------------
	renderer, err := render.New(cfg.TemplateDir)
	if err != nil {
		logger.Fatal("failed to load templates", zap.Error(err))
	}
	logger.Info("templates loaded", zap.Strings("templates", renderer.Names()))

	provider, err := email.New(cfg.Provider, email.Options{
		From:          cfg.SMTPFrom,
		SMTPHost:      cfg.SMTPHost,
		SMTPPort:      cfg.SMTPPort,
		SMTPUser:      cfg.SMTPUser,
		SMTPPassword:  cfg.SMTPPassword,
		MailgunDomain: cfg.MailgunDomain,
		MailgunAPIKey: cfg.MailgunAPIKey,
		AWSRegion:     cfg.AWSRegion,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to configure email provider", zap.Error(err))
	}

	// ------------------------------------------------
	// Worker
	// ------------------------------------------------
	w := worker.New(q, renderer, provider, deliveries, worker.Options{
		Concurrency:     cfg.WorkerConcurrency,
		BatchSize:       cfg.BatchSize,
		PollInterval:    cfg.PollInterval,
		RateLimit:       cfg.RateLimit,
		RateWindow:      cfg.RateWindow,
		ProviderTimeout: cfg.ProviderTimeout,
		StaleAfter:      cfg.StaleAfter,
		ReclaimInterval: cfg.ReclaimInterval,

		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	if err := w.Start(); err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	hooks := webhook.NewHandler(
		deliveries,
		dedup.NewFilter(rdb, cfg.QueuePrefix, cfg.WebhookDedupTTL),
		cfg.WebhookSecret,
		logger,
	)

	apiHandler := &api.Handler{
		Queue:               q,
		Deliveries:          deliveries,
		Log:                 logger,
		HeartbeatStaleAfter: cfg.HeartbeatStaleAfter,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Router(hooks),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new jobs
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Let in-flight sends finish
	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer graceCancel()

	if err := w.Stop(graceCtx); err != nil {
		logger.Warn("worker did not drain before the grace period",
			zap.Duration("grace", cfg.ShutdownGrace),
			zap.Error(err),
		)
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
