package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/quotagate/quotagate/internal/gateway/cache"
	"github.com/quotagate/quotagate/internal/gateway/handlers"
	"github.com/quotagate/quotagate/internal/gateway/quota"
	"github.com/quotagate/quotagate/internal/gateway/upstream"
	"github.com/quotagate/quotagate/internal/shared/config"
	"github.com/quotagate/quotagate/internal/shared/database"
	"github.com/quotagate/quotagate/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Debug)
	logger.Info("starting quota gateway", "port", cfg.Port, "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	// Initialize credential lookup cache
	var lookup cache.Lookup = cache.Disabled{}
	if cfg.CacheEnabled {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		lookup = cache.New(redisClient, time.Duration(cfg.CacheTTLSeconds)*time.Second)
		logger.Info("connected to Redis")
	}

	// Initialize quota tracker and background window sweep
	tracker := quota.New(db, logger)
	go tracker.Sweep(ctx, 15*time.Minute)

	// Initialize upstream client
	up := upstream.NewClient(upstream.Options{
		BaseURL:        cfg.UpstreamBaseURL,
		APIKey:         cfg.UpstreamAPIKey,
		ConnectTimeout: cfg.UpstreamConnectTimeout,
		IdleTimeout:    cfg.UpstreamIdleTimeout,
	})

	// Initialize handlers
	completion := handlers.NewCompletionHandler(up, tracker, lookup, logger, cfg.DefaultMaxOutputTokens, cfg.RequestTimeout)
	middleware := handlers.NewMiddleware(db, lookup, logger)
	admin := handlers.NewAdminHandler(db, tracker, cfg.AdminToken, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Public completion endpoints
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth)

		r.Post("/chat/completions", completion.HandleChatCompletions)
		r.Post("/messages", completion.HandleMessages)
	})

	// Operator endpoints
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.Authorize)

		r.Get("/keys", admin.HandleListKeys)
	})

	// HTTP server. Write timeout stays off so streamed responses can run
	// for the upstream's full generation.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			"addr", srv.Addr,
			"endpoints", []string{"POST /v1/chat/completions", "POST /v1/messages", "GET /admin/keys", "GET /health"})

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
