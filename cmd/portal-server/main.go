package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campus-portal/internal/audit"
	"campus-portal/internal/auth"
	"campus-portal/internal/config"
	"campus-portal/internal/handler"
	"campus-portal/internal/middleware"
	"campus-portal/internal/observability"
	"campus-portal/internal/ratelimit"
	"campus-portal/internal/repository/postgres"
	"campus-portal/internal/security"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// inactiveSessionRetention bounds how long revoked and expired session rows
// are kept for audit before the purge deletes them.
const inactiveSessionRetention = 30 * 24 * time.Hour

func main() {
	cfg := config.Load()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	observability.InitLogger(logLevel, logFormat)

	slog.Info("starting portal server")

	connCtx, connCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connCancel()

	db, err := config.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(connCtx); err != nil {
		slog.Error("database ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to postgresql")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go config.ReportPoolStats(ctx, db, 15*time.Second)

	limiter, err := newLoginLimiter(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize rate limiter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	auditSink, amqpSink := newAuditSink(cfg)
	dispatcher := audit.NewDispatcher(auditSink, 256)
	defer dispatcher.Close()
	if amqpSink != nil {
		defer amqpSink.Close()
	}

	sessionRepo, err := postgres.NewSessionRepository(db)
	if err != nil {
		slog.Error("failed to initialize session repository", slog.String("error", err.Error()))
		os.Exit(1)
	}
	accountRepo := postgres.NewAccountRepository(db)

	policy := auth.DefaultSessionPolicy()
	policy.StrictIPCheck = cfg.StrictIPCheck

	authority := auth.NewAuthority(
		sessionRepo,
		accountRepo,
		security.NewTokenManager(policy.CSRFMaxAge),
		security.NewFingerprintGuard(),
		limiter,
		dispatcher,
		policy,
	)

	go startSessionPurge(ctx, authority)
	slog.Info("session purge task started")

	authHandler := handler.NewAuthHandler(authority, cfg.SecureCookies)

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LogContext)
	r.Use(middleware.CORS(middleware.ParseOrigins(cfg.AllowedOrigins)))
	r.Use(middleware.Metrics())
	r.Use(middleware.OpenAPIValidator(middleware.DefaultOpenAPIValidatorConfig()))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(db, amqpSink))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	r.Route("/api/v1", func(r chi.Router) {
		loginLimiter := middleware.NewRateLimiter("login", 5, 10)
		apiLimiter := middleware.NewRateLimiter("api", 20, 50)

		r.Group(func(r chi.Router) {
			r.Use(loginLimiter.Middleware())
			r.Post("/auth/login", authHandler.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authority, cfg.SecureCookies))
			r.Use(middleware.CSRF(authority))
			r.Use(apiLimiter.Middleware())

			r.Get("/auth/me", authHandler.Me)
			r.Get("/auth/csrf", authHandler.CSRF)
			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/sessions", authHandler.ListSessions)
			r.Delete("/auth/sessions/{id}", authHandler.TerminateSession)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portal server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	slog.Info("server stopped gracefully")
}

// newLoginLimiter selects the limiter backend. Redis gives a shared window
// across replicas; without it each process tracks its own.
func newLoginLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		slog.Info("using in-process rate limiter")
		return ratelimit.NewMemoryLimiter(ctx), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	slog.Info("using redis rate limiter")
	return ratelimit.NewRedisLimiter(client), nil
}

// newAuditSink returns the dispatcher sink and, when AMQP is configured,
// the underlying connection for readiness checks and shutdown.
func newAuditSink(cfg *config.Config) (audit.Sink, *audit.AMQPSink) {
	if cfg.RabbitMQURL == "" {
		slog.Info("audit events going to structured log only")
		return audit.LogSink{}, nil
	}

	amqpCtx, amqpCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer amqpCancel()

	sink, err := audit.NewAMQPSinkWithRetry(amqpCtx, cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("audit events going to rabbitmq")
	return sink, sink
}

// startSessionPurge deactivates expired sessions and deletes long-inactive
// rows on an hourly cadence.
func startSessionPurge(ctx context.Context, authority *auth.Authority) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping session purge task")
			return
		case <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			deactivated, deleted, err := authority.PurgeExpired(purgeCtx, inactiveSessionRetention)
			if err != nil {
				slog.Error("session purge failed", slog.String("error", err.Error()))
			} else {
				observability.SessionsPurgedTotal.WithLabelValues("deactivated").Add(float64(deactivated))
				observability.SessionsPurgedTotal.WithLabelValues("deleted").Add(float64(deleted))
				slog.Info("session purge completed",
					slog.Int64("sessions_deactivated", deactivated),
					slog.Int64("sessions_deleted", deleted))
			}
			cancel()
		}
	}
}
