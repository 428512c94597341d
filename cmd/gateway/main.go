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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/ledgerdesk/internal/api"
	"github.com/lalithlochan/ledgerdesk/internal/app"
	"github.com/lalithlochan/ledgerdesk/internal/auth"
	"github.com/lalithlochan/ledgerdesk/internal/config"
	"github.com/lalithlochan/ledgerdesk/internal/metrics"
	"github.com/lalithlochan/ledgerdesk/internal/observ"
	"github.com/lalithlochan/ledgerdesk/internal/realtime"
	"github.com/lalithlochan/ledgerdesk/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ledgerdesk gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("broadcast_backend", cfg.BroadcastBackend),
		zap.Bool("worker_enabled", cfg.WorkerEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	authn := auth.HeaderAuthenticator{}
	handler := api.NewHandler(logger, api.Deps{
		Notifications: a.Inbox,
		Chat:          a.Chat,
		Preferences:   a.Repo,
		Inspector:     a.Inspector(),
		Breakers:      a.Breakers,
	})
	v1 := handler.Routes(api.RouteConfig{
		Authenticator: authn,
		RateLimiter: redis.NewRateLimiter(a.Redis, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		}),
		Idempotency: redis.NewIdempotencyService(a.Redis, logger),
	})

	ws := realtime.NewHandler(a.Hub, a.Broadcaster, auth.HeaderAuthenticator{AllowQuery: true}, a.Chat, a.Presence,
		realtime.HandlerConfig{AllowedOrigins: cfg.CORSAllowedOrigins}, logger.Named("ws"))

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Idempotency-Key", auth.HeaderUserID, auth.HeaderCompanyID},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// Upgrades are long-lived, so the request timeout only applies to /v1.
	r.With(httprate.LimitByIP(60, time.Minute)).Get("/ws", ws.ServeHTTP)
	r.With(middleware.Timeout(30*time.Second)).Mount("/v1", v1)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Health(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "UNAVAILABLE", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.Broadcaster.Run(gctx)
	})

	g.Go(func() error {
		return a.ReportPoolStats(gctx, 15*time.Second)
	})

	if cfg.WorkerEnabled {
		pool := a.NewPool()
		g.Go(func() error {
			return pool.Run(gctx)
		})
		logger.Info("background worker started", zap.Int("concurrency", cfg.WorkerConcurrency))
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ws.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}
