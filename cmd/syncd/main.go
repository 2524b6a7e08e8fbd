// Command syncd is the realtime daemon of the journal backend: it
// terminates live WebSocket sessions, runs multi-device sync with
// conflict resolution, and drives the notification pipeline with its
// Redis-backed queues.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jotbook/realtime/internal/broker"
	"github.com/jotbook/realtime/internal/cache"
	"github.com/jotbook/realtime/internal/config"
	"github.com/jotbook/realtime/internal/database"
	"github.com/jotbook/realtime/internal/directory"
	"github.com/jotbook/realtime/internal/middleware"
	"github.com/jotbook/realtime/internal/monitoring"
	"github.com/jotbook/realtime/internal/notification"
	"github.com/jotbook/realtime/internal/preference"
	"github.com/jotbook/realtime/internal/realtime"
	"github.com/jotbook/realtime/internal/scheduler"
	syncengine "github.com/jotbook/realtime/internal/sync"
	"github.com/jotbook/realtime/internal/telemetry"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	// Senders apply tighter per-channel deadlines on top of this.
	gatewayTimeout = 10 * time.Second

	smsPromoPerMinute = 3
	dlqAlertThreshold = 100
	apiRequestsPerSec = 50
	apiBurst          = 100
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Absent .env is the normal case outside local development.
		telemetry.GetGlobalLogger().WithError(err).Debug("No .env file loaded")
	}

	if err := telemetry.InitGlobalLogger(telemetry.LogConfigFromEnv()); err != nil {
		telemetry.GetGlobalLogger().WithError(err).Fatal("Failed to initialize logging")
	}
	logger := telemetry.GetGlobalLogger()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	provider, err := telemetry.NewProvider(telemetry.LoadOTelConfig())
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewInstrumentedConnection(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer func() { _ = db.Close() }()
	if err := db.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}

	redisClient, err := cache.NewInstrumentedClient(cfg.BrokerRedisURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = redisClient.Close() }()
	appCache := cache.NewCache(redisClient, "syncd")
	queue := broker.New(redisClient, cfg.BrokerQueuePrefix)

	// Stores.
	prefs := preference.NewCachedStore(preference.NewPostgresStore(db.DB), appCache)
	repo := notification.NewPostgresRepository(db.DB)
	users := directory.NewUserDirectory(db.DB)
	tokens := directory.NewTokenStore(db.DB)
	ownership := directory.NewOwnership(db.DB)
	entities := directory.NewEntityStore(db.DB)
	deltas := syncengine.NewPostgresDeltaStore(db)

	// Live session registry; it doubles as the in-app publisher for the
	// notification pipeline and the delta broadcaster for sync.
	registry := realtime.NewRegistry(ownership, cfg.IdleTimeout, logger)

	// Notification pipeline.
	renderer := notification.NewRenderer()
	mailGateway := notification.NewHTTPMailGateway(gatewayConfig(cfg.MailGatewayURL, cfg.MailGatewayKey))
	pushGateway := notification.NewHTTPPushGateway(gatewayConfig(cfg.PushGatewayURL, cfg.PushGatewayKey))
	smsGateway := notification.NewHTTPSMSGateway(gatewayConfig(cfg.SMSGatewayURL, cfg.SMSGatewayKey))

	dispatcher := notification.NewDispatcher(prefs, repo, queue, registry)
	dispatcher.RegisterSender(notification.NewLiveSender(registry))
	dispatcher.RegisterSender(notification.NewMailSender(queue))
	dispatcher.RegisterSender(notification.NewPushSender(tokens, pushGateway, renderer))
	dispatcher.RegisterSender(notification.NewSMSSender(smsGateway, renderer, smsPromoPerMinute))

	worker := notification.NewWorker(queue, repo, dispatcher, users, mailGateway, renderer, cfg.MailFrom, cfg.DispatchWorkers, logger)

	// Sync engine.
	engine := syncengine.NewEngine(deltas, entities, registry)

	// Live transport.
	auth := realtime.NewAuthenticator(cfg.JWTSecret)
	handler := realtime.NewMessageHandler(registry, engine, logger)
	live := realtime.NewServer(registry, handler, auth, cfg.IdleTimeout, cfg.HeartbeatInterval, logger)

	// Background maintenance.
	sched := scheduler.New(registry, repo, deltas, queue, cfg.HeartbeatInterval, cfg.RetentionDays, logger)

	// Observability.
	health := monitoring.NewHealthChecker("syncd", version)
	health.RegisterDatabaseCheck("postgres", db.DB)
	health.RegisterRedisCheck("redis", appCache)
	health.RegisterBrokerCheck("broker", queue, dlqAlertThreshold)
	health.RegisterSessionGauge("sessions", registry.SessionCount)
	metrics := monitoring.NewMetricsCollector()

	app := &api{
		dispatcher: dispatcher,
		repo:       repo,
		prefs:      prefs,
		entities:   entities,
		live:       live,
		queue:      queue,
		health:     health,
		metrics:    metrics,
		limiter:    middleware.NewRateLimiter(apiRequestsPerSec, apiBurst),
	}

	worker.Start(ctx)
	if err := sched.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: app.router(cfg),
	}
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":    cfg.HTTPAddr,
			"version": version,
		}).Info("syncd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Stop accepting new requests first, then close live sessions with a
	// going-away frame, then drain the queue consumers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	registry.Shutdown(shutdownCtx)
	worker.Stop()
	sched.Stop()

	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Tracing shutdown incomplete")
	}
	logger.Info("syncd stopped")
}

func gatewayConfig(baseURL, apiKey string) notification.GatewayConfig {
	return notification.GatewayConfig{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: gatewayTimeout,
	}
}
