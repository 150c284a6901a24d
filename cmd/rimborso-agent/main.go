// rimborso-agent drains the local operation log against the backend. It is
// the sync half of an offline-capable client: entries are recorded locally
// first and shipped here whenever connectivity allows.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"rimborso/internal/config"
	"rimborso/internal/dispatch"
	"rimborso/internal/log"
	"rimborso/internal/oplog"
	"rimborso/internal/transport"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.Setup(log.ComponentAgent, slog.LevelInfo)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	queue, err := oplog.Open(cfg.AgentDBPath)
	if err != nil {
		logger.Error("Failed to open operation log", "error", err, "path", cfg.AgentDBPath)
		os.Exit(1)
	}
	defer queue.Close()

	client := transport.NewClient(cfg.ServerURL, cfg.RequestTimeout)

	dispatcher := dispatch.New(queue, client, dispatch.Config{
		PollInterval: cfg.SyncInterval,
		BatchSize:    cfg.SyncBatchSize,
		MaxAttempts:  cfg.SyncMaxRetries,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dispatcher.Start(ctx); err != nil {
		logger.Error("Failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	logger.Info("Agent started",
		"server", cfg.ServerURL,
		"interval", cfg.SyncInterval.String(),
		"batch_size", cfg.SyncBatchSize)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("Dispatcher shutdown error", "error", err)
	}

	if stats, err := queue.Stats(shutdownCtx); err == nil {
		logger.Info("Agent stopped",
			"pending", stats.Pending,
			"acked", stats.Acked,
			"failed", stats.Failed)
	}
}
