// Package main is the entry point for the mail queue worker.
// The worker periodically sends a batch for every configured owner, taking
// the place of a cron job calling the batch endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"bulkmail/internal/app"
	"bulkmail/internal/config"
	"bulkmail/internal/logger"
	"bulkmail/internal/observability"
	"bulkmail/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: mailq.yaml in current directory)")
	metricsAddr := flag.String("metrics-addr", ":6162", "Address of the worker metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	if len(cfg.Worker.Owners) == 0 {
		lg.Fatal("No owners configured (worker.owners / WORKER_OWNERS)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "mailq-worker", cfg.OTELEndpoint)
	if err != nil {
		lg.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			lg.Warn("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		lg.Fatal("Failed to init metrics", zap.Error(err))
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			lg.Warn("Failed to shutdown metrics", zap.Error(err))
		}
	}()

	st, err := app.OpenStore(ctx, cfg, false, lg)
	if err != nil {
		lg.Fatal("Failed to open store", zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
	}
	defer st.Close()

	engine, closeEngine, err := app.NewEngine(ctx, cfg, st, lg)
	if err != nil {
		lg.Fatal("Failed to build queue engine", zap.Error(err))
	}
	defer closeEngine()

	hostname, _ := os.Hostname()
	agent := worker.New(engine, worker.AgentConfig{
		ID:           hostname + "-" + uuid.NewString()[:8],
		Concurrency:  cfg.Worker.Concurrency,
		BatchSize:    cfg.Queue.BatchSize,
		PollInterval: cfg.Worker.PollInterval,
		MaxBackoff:   cfg.Worker.MaxBackoff,
	}, cfg.Worker.Owners, lg.Named("worker"))

	go agent.Run(ctx)

	// Start a dedicated metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		lg.Info("Worker metrics listening", zap.String("addr", *metricsAddr))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			lg.Error("Metrics server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("Shutting down worker, waiting for the running batch...")
	cancel()

	<-agent.Done()
}
