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

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-study/internal/api"
	"github.com/p-n-ai/pai-study/internal/content"
	"github.com/p-n-ai/pai-study/internal/platform/cache"
	"github.com/p-n-ai/pai-study/internal/platform/config"
	"github.com/p-n-ai/pai-study/internal/platform/logging"
	"github.com/p-n-ai/pai-study/internal/study"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, closeStore, err := study.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	checks := []readinessCheck{{name: "database", check: store.Ping}}

	var flags study.UnlockFlags = study.NewMemoryFlags()
	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("connect cache: %w", err)
		}
		defer c.Close()
		flags = study.NewRedisFlags(c.Client, c.Key("unlock", "pending"))
		checks = append(checks, readinessCheck{name: "cache", check: c.HealthCheck})
	} else {
		slog.Warn("cache disabled, unlock flags are kept in memory")
	}

	svc := study.NewService(study.ServiceConfig{
		Store:  store,
		Flags:  flags,
		Scheme: cfg.Scheme(),
	})

	if cfg.ContentPath != "" {
		catalog, err := content.LoadDir(cfg.ContentPath)
		if err != nil {
			return err
		}
		if _, err := content.Import(ctx, svc, catalog); err != nil {
			return fmt.Errorf("import content: %w", err)
		}
	}

	mux := newMux(checks...)
	api.NewHandler(api.Config{
		Service:        svc,
		AdminTokenHash: cfg.Admin.TokenHash,
	}).Register(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if interval := cfg.SweepInterval(); interval > 0 {
		sweeper := study.NewSweeper(svc, interval)
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// newMux creates the HTTP router with health check endpoints.
func newMux(checks ...readinessCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(checks))
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func handleReadyz(checks []readinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.name, "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"unavailable","check":%q}`, c.name)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
