// Package main is the agentd entry point: the multi-tenant HTTP and
// WebSocket facade in front of the agent runtime.
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/common/tracing"
	"github.com/agentd/agentd/internal/control"
	"github.com/agentd/agentd/internal/db"
	"github.com/agentd/agentd/internal/events"
	"github.com/agentd/agentd/internal/gateway"
	"github.com/agentd/agentd/internal/hooks"
	"github.com/agentd/agentd/internal/mcp"
	mcphandlers "github.com/agentd/agentd/internal/mcp/handlers"
	"github.com/agentd/agentd/internal/runner"
	"github.com/agentd/agentd/internal/session/service"
	"github.com/agentd/agentd/internal/session/store"
)

// version is stamped by the build; the default marks a source build.
var version = "dev"

func main() {
	// A .env file is a development convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting agentd", zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, closeBus, err := events.Provide(cfg.Events, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer func() { _ = closeBus() }()

	var c cache.Cache
	if cfg.Cache.URL != "" {
		c, err = cache.New(ctx, cfg.Cache, log)
		if err != nil {
			log.Fatal("failed to connect cache", zap.Error(err))
		}
	} else {
		// Single-instance mode: session ownership and interrupts stay
		// in-process.
		log.Info("cache url not configured, using in-process cache")
		c = cache.NewMemory(log)
	}
	defer func() { _ = c.Close() }()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open session database", zap.Error(err))
	}
	st, err := store.New(pool)
	if err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	log.Info("session store ready",
		zap.String("driver", cfg.Database.Driver), zap.String("url", cfg.Database.URL))

	sessions := service.New(st, c, cfg.Cache.SessionTTL, log)
	checkpoints := service.NewCheckpointService(st, sessions, log)
	ctl := control.New(c, eventBus, log)

	appServers, err := mcp.LoadAppConfig(ctx, cfg.MCP.ConfigFile, log)
	if err != nil {
		log.Fatal("failed to load mcp application config", zap.Error(err))
	}
	mcpRegistry := mcp.NewRegistry(c, log)
	resolver := mcp.NewResolver(appServers, mcpRegistry, log)

	runs := runner.NewRegistry(runner.Deps{
		Sessions:    sessions,
		Checkpoints: checkpoints,
		Control:     ctl,
		Webhooks:    hooks.NewWebhookClient(log),
		Resolver:    resolver,
		Cache:       c,
		Logger:      log,
	}, cfg.Agent, cfg.Streaming, cfg.Cache.SessionTTL)

	handlers := gateway.NewHandlers(runs, sessions, checkpoints, ctl, c, eventBus, pool, cfg, version, log)
	router := gateway.NewRouter(handlers, mcphandlers.NewHandlers(mcpRegistry, log), cfg, log)

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout stays at the configured value, normally zero: SSE
		// and WebSocket responses outlive any fixed bound.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("agentd listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown incomplete", zap.Error(err))
	}
	if err := runs.Shutdown(shutdownCtx); err != nil {
		log.Warn("active runs did not drain before the deadline", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", zap.Error(err))
	}
	log.Info("agentd stopped")
}
