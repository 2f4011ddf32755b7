// Package main is the entrypoint for the tabflow API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/tabflow/internal/api"
	"github.com/kiranshivaraju/tabflow/internal/api/handler"
	mw "github.com/kiranshivaraju/tabflow/internal/api/middleware"
	"github.com/kiranshivaraju/tabflow/internal/cache"
	"github.com/kiranshivaraju/tabflow/internal/config"
	"github.com/kiranshivaraju/tabflow/internal/ingest"
	"github.com/kiranshivaraju/tabflow/internal/observability"
	"github.com/kiranshivaraju/tabflow/internal/processing"
	"github.com/kiranshivaraju/tabflow/internal/storage"
	"github.com/kiranshivaraju/tabflow/internal/store"
	"github.com/kiranshivaraju/tabflow/internal/validate"
)

const migrationsDir = "migrations"

var logLevel = new(slog.LevelVar)

func main() {
	slog.SetDefault(newLogger(os.Stdout))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Server.LogLevel)
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"storage_backend", cfg.Storage.Backend,
		"processing_mode", cfg.Processing.Mode,
		"workers", cfg.Workers.Count)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, cfg.Server.Env)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	files, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	defer files.Close()
	slog.Info("storage ready", "backend", cfg.Storage.Backend)

	rules, err := processing.LoadRules(cfg.Processing.RulesFile)
	if err != nil {
		return fmt.Errorf("load highlight rules: %w", err)
	}
	engine := processing.NewEngine(processing.ScoringTransform{}, rules, cfg.Processing.RequiredColumns)

	pgStore := store.NewPostgresStore(pool)
	coord := ingest.NewCoordinator(pgStore, files, redisCache,
		validate.New(cfg.Storage.AllowedExtensions, cfg.Storage.MaxUploadBytes),
		engine, ingest.OptionsFrom(cfg.Processing))

	workers := ingest.NewPool(coord.Process, pgStore, cfg.Workers, cfg.Server.ShutdownTimeout)
	if cfg.Processing.Mode == config.ProcessingModeAsync {
		coord.SetDispatcher(workers)
	}
	reaper := ingest.NewReaper(pgStore, files, redisCache, cfg.Reaper)

	router := api.NewRouter(dependencies(cfg, pgStore, redisCache, coord))
	srv := newHTTPServer(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

func dependencies(cfg *config.Config, st store.Store, c cache.Cache, svc handler.FileService) api.Dependencies {
	auth := mw.NewAuth(st)
	filesHandler := handler.NewFiles(svc, cfg.Storage.MaxUploadBytes, cfg.Server.MultipartOverage)
	keysHandler := handler.NewKeys(st, 0)

	return api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(c, cfg.Server.RateLimitPerMin),

		HealthHandler: handler.NewHealthHandler(st, c),

		UploadFile:   filesHandler.Upload,
		ListFiles:    filesHandler.List,
		GetFile:      filesHandler.Get,
		FileStatus:   filesHandler.Status,
		DownloadFile: filesHandler.Download,

		CreateKeyHandler: keysHandler.Create,
		ListKeysHandler:  keysHandler.List,
		RevokeKeyHandler: keysHandler.Revoke,
	}
}

func newHTTPServer(cfg config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
}
