// Package main is the entrypoint for the ErrLog API server.
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

	"github.com/opserve/errlog/internal/api"
	"github.com/opserve/errlog/internal/api/handler"
	mw "github.com/opserve/errlog/internal/api/middleware"
	"github.com/opserve/errlog/internal/api/response"
	"github.com/opserve/errlog/internal/cache"
	"github.com/opserve/errlog/internal/capture"
	"github.com/opserve/errlog/internal/config"
	"github.com/opserve/errlog/internal/dedup"
	"github.com/opserve/errlog/internal/store"
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
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"backend", cfg.Backend,
		"application", cfg.Capture.ApplicationName,
		"rollup_window", cfg.Rollup.Window,
		"env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the storage backend
	st, closeStore, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	slog.Info("storage backend ready", "backend", cfg.Backend)

	// 3. Rate-limit cache is optional; without Redis the limiter is off
	var limiterCache cache.Cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		limiterCache = redisCache
		slog.Info("redis connected")
	}

	// 4. Capture settings, immutable from here on
	settings, err := capture.NewSettings(capture.Config{
		ApplicationName:    cfg.Capture.ApplicationName,
		MachineName:        cfg.Capture.MachineName,
		AppendStackTraces:  cfg.Capture.AppendStackTraces,
		RollupPerServer:    cfg.Capture.RollupPerServer,
		IgnoreTypes:        cfg.Capture.IgnoreTypes,
		IgnorePatterns:     cfg.Capture.IgnorePatterns,
		DataIncludePattern: cfg.Capture.DataIncludePattern,
	})
	if err != nil {
		return fmt.Errorf("build capture settings: %w", err)
	}

	errLogger := dedup.NewLogger(st, settings, cfg.Rollup.Window)

	// 5. Retention sweeper
	go retentionSweeper(ctx, st, cfg.Retention)

	// 6. Build router with dependencies
	errorsHandler := handler.NewErrors(errLogger, st)
	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Auth.IngestTokenHash),
		RateLimit: mw.NewRateLimit(limiterCache, cfg.Auth.RateLimitPerMin),

		HealthHandler: healthHandler(st, limiterCache),

		ReportError:    errorsHandler.Report,
		ListErrors:     errorsHandler.List,
		GetError:       errorsHandler.Get,
		ProtectError:   errorsHandler.Protect,
		UnprotectError: errorsHandler.Unprotect,
		DeleteError:    errorsHandler.Delete,
		DeleteAll:      errorsHandler.DeleteAll,
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openBackend constructs the configured Store and returns a close func.
func openBackend(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := store.OpenPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		return store.NewPostgresStore(pool), pool.Close, nil

	case "redis":
		rs, err := store.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, nil, fmt.Errorf("ping redis store: %w", err)
		}
		return rs, func() { rs.Close() }, nil

	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// retentionSweeper periodically purges non-protected records older than
// the retention age. Protected records are never purged.
func retentionSweeper(ctx context.Context, st store.Store, cfg config.RetentionConfig) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-cfg.MaxAge)
			purged, err := st.Purge(ctx, "", cutoff)
			if err != nil {
				slog.Error("retention sweep failed", "error", err)
				continue
			}
			if purged > 0 {
				slog.Info("retention sweep", "purged", purged, "cutoff", cutoff)
			}
		}
	}
}

// healthHandler checks backend and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"storage": "ok",
		}
		if err := s.Ping(r.Context()); err != nil {
			checks["storage"] = "degraded"
		}
		if c != nil {
			checks["cache"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
			}
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
