// Package main provides the MCP search server over indexed documents.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/memorix-app/docindex/internal/app"
	"github.com/memorix-app/docindex/internal/config"
	mcpserver "github.com/memorix-app/docindex/internal/mcp"
)

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the MCP stream in stdio mode
	logger := app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var worker app.Runner
	if cfg.RunWorker {
		w, err := a.Worker()
		if err != nil {
			return err
		}
		worker = w
	}

	server := mcpserver.NewServer(&mcpserver.Config{
		Search:    a.Search,
		Documents: a.Records,
		Index:     a.Index,
	})

	checks := map[string]mcpserver.HealthChecker{
		"qdrant":       a.Index,
		"postgres":     mcpserver.HealthFunc(a.Records.Ping),
		"object_store": a.Objects,
	}
	mux := mcpserver.NewMux(server, checks, &mcpserver.HTTPHandlerOptions{Stateless: cfg.ServerMode})
	httpServer := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app.Serve(ctx, worker, func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()

		if cfg.ServerMode {
			// HTTP mode: serve MCP over HTTP for remote clients
			logger.Info("Starting HTTP server", "addr", httpServer.Addr, "collection", cfg.Collection)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}

		// Stdio mode: MCP over stdin/stdout, health endpoint in the background
		go func() {
			logger.Info("Starting health server", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Health server error", "error", err)
			}
		}()

		logger.Info("Starting document search MCP server (stdio mode)")
		if err := server.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
}
