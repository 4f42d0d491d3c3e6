package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/fixora/sagacore/internal/adapter/http"
	"github.com/fixora/sagacore/internal/adapter/lock"
	"github.com/fixora/sagacore/internal/adapter/persistence/memory"
	"github.com/fixora/sagacore/internal/adapter/persistence/postgres"
	"github.com/fixora/sagacore/internal/adapter/ratelimit"
	"github.com/fixora/sagacore/internal/config"
	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/breaker"
	"github.com/fixora/sagacore/internal/infra/metrics"
	"github.com/fixora/sagacore/internal/infra/sse"
	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
	"github.com/fixora/sagacore/internal/sagas"
	"github.com/fixora/sagacore/internal/usecase"
)

// store is satisfied by both the memory and postgres persistence adapters.
type store interface {
	Sagas() ports.SagaRepository
	EventLog() ports.EventLogRepository
	Approvals() ports.ApprovalRepository
	Webhooks() ports.WebhookRepository
}

func main() {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logger
	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "sagacore",
	})
	appLogger.Info(ctx, "Application starting", map[string]interface{}{
		"version": "1.0.0",
		"env":     cfg.Environment,
		"driver":  cfg.Database.Driver,
	})

	m := metrics.New()

	// Persistence
	var (
		st     store
		db     *sql.DB
		health func(ctx context.Context) error
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgres.Open(ctx, cfg.GetDatabaseURL(), postgres.PoolConfig{
			MaxConnections: cfg.Database.MaxConnections,
			MaxIdleTime:    cfg.Database.MaxIdleTime,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		})
		if err != nil {
			appLogger.Error(ctx, "Failed to connect to database", err, map[string]interface{}{
				"host": cfg.Database.Host,
				"name": cfg.Database.DBName,
			})
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := postgres.Migrate(db, cfg.Database.DBName); err != nil {
			appLogger.Error(ctx, "Failed to apply migrations", err, nil)
			log.Fatalf("Failed to apply migrations: %v", err)
		}
		appLogger.Info(ctx, "Database connection established", map[string]interface{}{
			"host": cfg.Database.Host,
			"name": cfg.Database.DBName,
		})
		st = postgres.NewStore(db)
		health = db.PingContext
	default:
		appLogger.Warn(ctx, "Using in-memory store, state is lost on restart", nil)
		st = memory.NewStore()
	}

	// Distributed lock (Redis-backed or noop based on config)
	locker, closeLocker, err := lock.NewLocker(lock.Config{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, "Failed to initialize distributed lock", err, map[string]interface{}{
			"redis_addr": cfg.GetRedisAddr(),
		})
		log.Fatalf("Failed to initialize distributed lock: %v", err)
	}
	defer closeLocker()

	// Initialize rate limiting service (Redis-backed or noop based on config)
	limiter, closeLimiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:       cfg.RateLimit.Enabled,
		Addr:          cfg.GetRedisAddr(),
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		Timeout:       cfg.Redis.Timeout,
		Limit:         cfg.RateLimit.Limit,
		Window:        cfg.RateLimit.Window,
		BlockDuration: cfg.RateLimit.BlockDuration,
	}, appLogger)
	if err != nil {
		appLogger.Error(ctx, "Failed to initialize rate limit service", err, map[string]interface{}{
			"redis_addr": cfg.GetRedisAddr(),
		})
		log.Fatalf("Failed to initialize rate limit service: %v", err)
	}
	defer closeLimiter()

	// Initialize services
	bus := usecase.NewEventBus(st.EventLog(), appLogger, m, cfg.EventLog.Retention)

	approvals := usecase.NewApprovalService(st.Approvals(), bus, locker, appLogger, m, usecase.ApprovalConfig{
		DefaultDeadline:     cfg.Saga.ApprovalDeadline,
		EscalationExtension: cfg.Saga.EscalationExtension,
		LockTTL:             cfg.Saga.LockTTL,
	})

	dispatcher := usecase.NewWebhookDispatcher(st.Webhooks(), st.EventLog(), appLogger, m, usecase.DispatcherConfig{
		Breaker: breaker.Config{
			FailureThreshold:    cfg.Webhook.FailureThreshold,
			ResetTimeout:        cfg.Webhook.ResetTimeout,
			HalfOpenMaxAttempts: cfg.Webhook.HalfOpenMaxAttempts,
		},
		RequestTimeout: cfg.Webhook.RequestTimeout,
		DefaultRetry: domain.RetryPolicy{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			Backoff:     cfg.Webhook.Backoff,
			MaxBackoff:  cfg.Webhook.MaxBackoff,
		},
		RetryJitter: cfg.Webhook.RetryJitter,
	})
	defer dispatcher.Close()

	orchestrator := usecase.NewSagaOrchestrator(st.Sagas(), st.EventLog(), approvals, bus, appLogger, m, cfg.Saga.ConcurrencyRetries)
	recovery := usecase.NewSagaRecovery(st.Sagas(), bus, appLogger, m, cfg.Saga.ApprovalGracePeriod)

	// Saga definitions
	catalog := sagas.NewDefaultCatalog(bus)
	specs, err := sagas.LoadFile(cfg.Saga.DefinitionsFile)
	if err != nil {
		appLogger.Error(ctx, "Failed to load saga definitions", err, map[string]interface{}{
			"file": cfg.Saga.DefinitionsFile,
		})
		log.Fatalf("Failed to load saga definitions: %v", err)
	}
	defs, err := catalog.BuildAll(specs, sagas.Defaults{
		Timeout:          cfg.Saga.DefaultTimeout,
		ApprovalDeadline: cfg.Saga.ApprovalDeadline,
	})
	if err != nil {
		log.Fatalf("Failed to build saga definitions: %v", err)
	}
	for _, def := range defs {
		if err := orchestrator.Register(def); err != nil {
			log.Fatalf("Failed to register saga %s: %v", def.Name, err)
		}
		appLogger.Info(ctx, "Saga registered", map[string]interface{}{
			"saga":    def.Name,
			"trigger": def.TriggerEvent,
			"steps":   len(def.Steps),
		})
	}

	// Subscriptions
	orchestrator.Attach(bus)
	usecase.AttachApprovalResume(bus, orchestrator)
	usecase.AttachWebhooks(bus, dispatcher)

	var notifications http.Handler
	if cfg.SSE.Enabled {
		streamer := sse.NewStreamer(cfg.SSE.MessageBufferSize, cfg.SSE.HeartbeatInterval)
		usecase.AttachNotifications(bus, streamer, appLogger)
		notifications = http.HandlerFunc(streamer.HandleSSE)
	}

	// Background pollers
	pollers := usecase.NewPollerRegistry(appLogger, m)
	for _, p := range []usecase.Poller{
		{Name: "saga-recovery", Interval: cfg.Saga.RecoveryInterval, Run: recovery.RecoverStuckSagas},
		{Name: "approval-timeouts", Interval: cfg.Saga.ApprovalTimeoutInterval, Run: approvals.ProcessTimeouts},
		{Name: "event-log-retention", Interval: cfg.EventLog.PurgeInterval, Run: bus.PurgeExpired},
	} {
		if err := pollers.Register(p); err != nil {
			log.Fatalf("Failed to register poller %s: %v", p.Name, err)
		}
	}
	pollerCtx, stopPollers := context.WithCancel(ctx)
	defer stopPollers()
	pollers.Start(pollerCtx)

	// Create server
	authMiddleware := httpadapter.NewAuthMiddleware(
		httpadapter.NewTokenVerifier(cfg.Security.JWTSecret),
		cfg.Security.AdminRole,
	)
	server := httpadapter.NewServer(httpadapter.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		CORSOrigins:  cfg.Security.CORSOrigins,
	}, httpadapter.Dependencies{
		Events:        bus,
		Publisher:     bus,
		Sagas:         orchestrator,
		Recovery:      recovery,
		Pollers:       pollers,
		Webhooks:      dispatcher,
		Approvals:     approvals,
		Notifications: notifications,
		Metrics:       m.Handler(),
		Auth:          authMiddleware,
		RateLimiter:   limiter,
		Health:        health,
		Logger:        appLogger,
	})

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error(ctx, "Server failed to start", err, nil)
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info(ctx, "Shutting down server", nil)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(ctx, "Server forced to shutdown", err, nil)
	}
	pollers.StopAll()

	appLogger.Info(ctx, "Server exited", map[string]interface{}{
		"pending_webhook_retries": dispatcher.Pending(),
	})
}
