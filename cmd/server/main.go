// Package main is the entrypoint for the Tollgate API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tollgate-ai/tollgate/internal/api"
	"github.com/tollgate-ai/tollgate/internal/api/handler"
	mw "github.com/tollgate-ai/tollgate/internal/api/middleware"
	"github.com/tollgate-ai/tollgate/internal/api/response"
	"github.com/tollgate-ai/tollgate/internal/assistant"
	"github.com/tollgate-ai/tollgate/internal/cache"
	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/executor"
	"github.com/tollgate-ai/tollgate/internal/metrics"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/internal/token"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Executor.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store, metrics, and the upstream assistant client
	pgStore := store.NewPostgresStore(pool)
	collector := metrics.NewCollector()

	client := assistant.NewBreakerClient(assistant.NewHTTPClient(cfg.Assistant))
	slog.Info("assistant client initialized", "base_url", cfg.Assistant.BaseURL)

	// 6. Token manager is optional; API keys work without it
	var tokens *token.Manager
	if cfg.Auth.TokenSecret != "" {
		tokens = token.NewManager(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
		slog.Info("token auth enabled", "ttl", cfg.Auth.TokenTTL)
	} else {
		slog.Warn("TOLLGATE_TOKEN_SECRET not set, bearer tokens disabled")
	}

	// 7. Start the async executor
	exec := executor.New(pgStore, redisCache, client, collector, cfg.Executor)
	slog.Info("executor started",
		"workers", cfg.Executor.Workers,
		"queue_size", cfg.Executor.QueueSize,
		"poll_budget", cfg.Executor.PollBudget,
	)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Metrics:   collector,
		Auth:      mw.NewAuth(pgStore, tokens),
		Usage:     mw.NewUsage(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),
		Access:    mw.NewAccess(pgStore),
		Balance:   mw.NewBalance(pgStore, redisCache, collector),

		HealthHandler: healthHandler(pgStore, redisCache),

		ExecuteAgentHandler: handler.NewExecuteAgentHandler(exec),
		ListJobsHandler:     handler.NewListJobsHandler(pgStore),
		JobStatusHandler:    handler.NewJobStatusHandler(exec),
		JobResultHandler:    handler.NewJobResultHandler(exec),
		CancelJobHandler:    handler.NewCancelJobHandler(exec),
		CompletionHandler:   handler.NewCompletionHandler(client),

		CreateKeyHandler:   handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:    handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler:   handler.NewRevokeKeyHandler(pgStore),
		CreateUserHandler:  handler.NewCreateUserHandler(pgStore),
		AddCreditsHandler:  handler.NewAddCreditsHandler(pgStore),
		MintTokenHandler:   handler.NewMintTokenHandler(pgStore, tokens),
		PendingJobsHandler: handler.NewPendingJobsHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout. Stop accepting requests first, then
	// let in-flight jobs finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := exec.Close(shutdownCtx); err != nil {
		slog.Warn("executor shut down before all jobs finished", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
