package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/demopilot/demopilot/internal/api/router"
	appconfig "github.com/demopilot/demopilot/internal/config"
	"github.com/demopilot/demopilot/internal/events"
	"github.com/demopilot/demopilot/internal/http/handlers"
	"github.com/demopilot/demopilot/internal/live"
	observemetrics "github.com/demopilot/demopilot/internal/observability/metrics"
	"github.com/demopilot/demopilot/internal/objectives"
	"github.com/demopilot/demopilot/internal/video"
	"github.com/demopilot/demopilot/internal/video/tavusclient"
	"github.com/demopilot/demopilot/pkg/logging"
)

func main() {
	// .env is optional; real deployments configure via the environment.
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting demopilot API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// The objectives repository rides database/sql for pq array support.
	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open sql db", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	tavus, err := tavusclient.New(tavusclient.Config{
		BaseURL:    cfg.TavusBaseURL,
		APIKey:     cfg.TavusAPIKey,
		Timeout:    cfg.TavusTimeout,
		MaxRetries: cfg.TavusRetryMaxAttempts,
		Backoff:    cfg.TavusRetryBaseDelay,
	})
	if err != nil {
		logger.Error("failed to create tavus client", "error", err)
		os.Exit(1)
	}

	sessionStore := video.NewSessionStore(pool)
	processedStore := events.NewProcessedStore(pool)
	objectivesRepo := objectives.NewRepository(sqlDB)

	var replay *video.ReplayCache
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, webhook replay cache disabled", "error", err)
		} else {
			replay = video.NewReplayCache(rdb, cfg.WebhookReplayTTL)
		}
	}

	registry := prometheus.NewRegistry()
	webhookMetrics := observemetrics.NewWebhookMetrics(registry)

	callbackURL := ""
	if cfg.PublicBaseURL != "" {
		callbackURL = cfg.PublicBaseURL + "/webhooks/tavus"
	}
	resolver := video.NewResolver(video.ResolverConfig{
		Store:         sessionStore,
		Provider:      tavus,
		Logger:        logger,
		StatusTimeout: cfg.TavusStatusTimeout,
		ReplicaID:     cfg.TavusReplicaID,
		PersonaID:     cfg.TavusPersonaID,
		CallbackURL:   callbackURL,
		MaxDuration:   cfg.SessionMaxDuration,
	})
	finalizer := video.NewFinalizer(video.FinalizerConfig{
		Store:    sessionStore,
		Provider: tavus,
		Logger:   logger,
		Budget:   cfg.FinalizeBudget,
	})

	hub := live.NewHub(logger)

	webhookCfg := handlers.TavusWebhookConfig{
		Secret:     cfg.TavusWebhookSecret,
		Processed:  processedStore,
		Sessions:   sessionStore,
		Objectives: objectivesRepo,
		Normalizer: &video.Normalizer{UtteranceFallback: cfg.ToolcallUtteranceMatch},
		Hub:        hub,
		Metrics:    webhookMetrics,
		Logger:     logger,
	}
	if replay != nil {
		webhookCfg.Replay = replay
	}
	webhookHandler := handlers.NewTavusWebhookHandler(webhookCfg)
	sessionHandler := handlers.NewSessionHandler(handlers.SessionHandlerConfig{
		Resolver:  resolver,
		Finalizer: finalizer,
		Sessions:  sessionStore,
		Metrics:   webhookMetrics,
		Logger:    logger,
	})

	r := router.New(&router.Config{
		Logger:             logger,
		Sessions:           sessionHandler,
		TavusWebhooks:      webhookHandler,
		LiveHub:            hub,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
