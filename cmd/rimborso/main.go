package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"rimborso/internal/config"
	"rimborso/internal/escalate"
	"rimborso/internal/httpapi"
	"rimborso/internal/log"
	"rimborso/internal/notify"
	"rimborso/internal/orgraph"
	"rimborso/internal/reconcile"
	"rimborso/internal/report"
	"rimborso/internal/store"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.Setup(log.ComponentServer, slog.LevelInfo)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := store.Open(cfg.BackendDBPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err, "path", cfg.BackendDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// AMQP push is optional: without a broker the API still works, clients
	// just rely on periodic resync instead of push events.
	var (
		reportNotifier report.Notifier
		syncNotifier   reconcile.Notifier
	)
	if cfg.AMQPURL != "" {
		notifier, err := notify.NewNotifier(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP notifier", "error", err)
			os.Exit(1)
		}
		defer notifier.Close()
		reportNotifier = notifier
		syncNotifier = notifier
		logger.Info("AMQP notifier initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}

	resolver := orgraph.New(repo)
	scheduler := escalate.New(escalate.Config{
		SupervisorSLA: cfg.SupervisorSLA,
		FinanceSLA:    cfg.FinanceSLA,
	})
	reports := report.NewService(repo, resolver, scheduler, reportNotifier)
	reconciler := reconcile.New(repo, syncNotifier)

	handler := httpapi.NewHandler(reconciler, reports, repo)
	srv := httpapi.NewServer(":"+cfg.Port, handler)

	// Graceful shutdown handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting rimborso server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
