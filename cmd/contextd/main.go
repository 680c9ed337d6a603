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

	"github.com/aos-labs/contextd/internal/config"
	"github.com/aos-labs/contextd/internal/mcp"
	"github.com/aos-labs/contextd/internal/memory"
	"github.com/aos-labs/contextd/internal/server"
	"github.com/aos-labs/contextd/internal/service"
	"github.com/aos-labs/contextd/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CONTEXTD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("contextd starting", "version", version, "port", cfg.Port, "runs_root", cfg.RunsRoot)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := newMemoryStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	logger.Info("memory store ready", "backend", store.Name())

	svc, err := service.New(service.Params{
		RunsRoot:       cfg.RunsRoot,
		TokenBudget:    cfg.TokenBudget,
		PinnedMax:      cfg.PinnedMax,
		LedgerLockMode: cfg.LedgerLockMode,
		TestMode:       cfg.TestMode,
		Store:          store,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	defer func() { _ = svc.Close() }()

	if cfg.TestMode {
		logger.Warn("test mode enabled: outside-milestone memory commits are allowed")
	}

	srvCfg := server.Config{
		Service:      svc,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	}
	if cfg.MCPEnabled {
		srvCfg.MCPServer = mcp.New(svc, version, logger).MCPServer()
		logger.Info("mcp surface enabled at /mcp")
	}
	srv := server.New(srvCfg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("contextd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	return nil
}

func newMemoryStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (memory.Store, error) {
	switch cfg.MemoryBackend {
	case "memory":
		return memory.NewInMem(), nil
	case "sqlite":
		return memory.NewSQLite(cfg.MemorySQLitePath)
	case "qdrant":
		return memory.NewQdrant(ctx, memory.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.QdrantDims),
		}, nil, logger)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.MemoryBackend)
	}
}
