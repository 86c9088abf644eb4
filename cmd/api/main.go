package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	httpAdapter "github.com/lorrc/opsgraph-realtime/internal/adapters/primary/http"
	mw "github.com/lorrc/opsgraph-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/realtime"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/secondary/postgres"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/secondary/redis"
	"github.com/lorrc/opsgraph-realtime/internal/auth"
	"github.com/lorrc/opsgraph-realtime/internal/config"
	"github.com/lorrc/opsgraph-realtime/internal/core/services"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/logging"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/metrics"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})
	slog.SetDefault(logger)

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	metrics.Register()

	// Background workers share this context and stop on shutdown.
	ctx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup

	// 3. Initialize the Connection Registry
	clk := clockwork.NewRealClock()
	hub := realtime.NewHub(clk, logger)
	workers.Go(func() {
		hub.Run(ctx, cfg.Realtime.CleanupInterval, cfg.Realtime.InactiveTimeout)
	})

	notifier := services.NewNotificationService(hub, clk, logger)

	// 4. Optional Database (outbox relay, readiness)
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = openDatabase(ctx, cfg)
		if err != nil {
			logger.Error("failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connection established")
	}

	if cfg.Outbox.Enabled {
		relay := services.NewOutboxRelay(
			postgres.NewOutboxRepository(pool),
			notifier,
			clk,
			services.OutboxRelayConfig{
				PollInterval: cfg.Outbox.PollInterval,
				BatchSize:    cfg.Outbox.BatchSize,
				MaxAttempts:  cfg.Outbox.MaxAttempts,
			},
			logger,
		)
		workers.Go(func() { relay.Run(ctx) })
	}

	// 5. Optional Redis event source
	if cfg.Redis.URL != "" {
		rdb, err := redis.NewClient(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid redis configuration", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		// Run retries until the workers context ends, so an unreachable
		// Redis at boot only delays the subscription.
		source := redis.NewEventSource(rdb, cfg.Redis.Channel, notifier, clk, logger)
		workers.Go(func() {
			if err := source.Run(ctx); err != nil {
				logger.Error("redis event source stopped", "error", err)
			}
		})
	}

	// 6. Rate Limiters
	var generalRateLimiter, notifyRateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		generalRateLimiter = mw.NewRateLimiter(mw.DefaultRateLimiterConfig(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize))
		notifyRateLimiter = mw.NewRateLimiter(mw.NotifyRateLimiterConfig(cfg.RateLimit.NotifyRPS, cfg.RateLimit.NotifyBurst))
	}

	// 7. Handlers (Primary Adapters)
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)
	errorHandler := httpAdapter.NewErrorHandler(logger)

	routes := httpAdapter.RealtimeRoutes{
		Tokens: tokenManager,
		KG: httpAdapter.NewKGHandler(hub, notifier, clk, httpAdapter.StreamConfig{
			Heartbeat:  cfg.Realtime.SSEHeartbeat,
			SendBuffer: cfg.Realtime.SendBuffer,
		}, errorHandler, logger),
		WebSocket:    httpAdapter.NewWebSocketHandler(hub, tokenManager, clk, cfg, errorHandler, logger),
		TicketSocket: httpAdapter.NewTicketSocketHandler(hub, notifier, cfg.Realtime.InactiveTimeout, errorHandler, logger),
	}
	if notifyRateLimiter != nil {
		routes.Ingest = append(routes.Ingest, notifyRateLimiter.Middleware)
	}

	healthHandler := httpAdapter.NewHealthHandler(hub, cfg.App.Version)
	if pool != nil {
		healthHandler.AddCheck("database", pool)
	}

	// 8. Setup Router
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))
	r.Use(mw.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Apply general rate limiting if enabled
	if generalRateLimiter != nil {
		r.Use(generalRateLimiter.Middleware)
	}

	// Health and metrics live outside the API prefix at the conventional health check paths
	healthHandler.RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler())

	r.Route(cfg.Server.APIPrefix, routes.Register)

	// 9. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Event streams outlive any write timeout; the SSE handler clears
		// its own deadline and JSON routes keep this one.
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "api_prefix", cfg.Server.APIPrefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Long-lived streams never go idle, so close them before draining. The
	// hub refuses registrations from here on, and connections that are
	// still open are not kept alive.
	srv.SetKeepAlivesEnabled(false)
	hub.Shutdown()

	// Graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	stopWorkers()
	workers.Wait()

	logger.Info("server shutdown complete")
}

func openDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	// Apply database configuration
	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
