// Package main is the entry point for the mail queue controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bulkmail/internal/app"
	"bulkmail/internal/config"
	"bulkmail/internal/controller"
	"bulkmail/internal/controller/middleware"
	"bulkmail/internal/logger"
	"bulkmail/internal/observability"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: mailq.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx := context.Background()

	// Setup Database
	st, err := app.OpenStore(ctx, cfg, *migrateFlag, lg)
	if err != nil {
		lg.Fatal("Failed to open store", zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
	}
	defer st.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "mailq-controller", cfg.OTELEndpoint)
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

	if _, err := observability.RegisterQueueDepth(otel.Meter("mailq-controller"), st); err != nil {
		lg.Warn("Failed to register queue depth metric", zap.Error(err))
	}

	engine, closeEngine, err := app.NewEngine(ctx, cfg, st, lg)
	if err != nil {
		lg.Fatal("Failed to build queue engine", zap.Error(err))
	}
	defer closeEngine()

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, engine, st, controller.Options{
		SystemSecret: cfg.SystemSecret,
		Limiter:      middleware.NewRateLimiter(middleware.WithLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst)),
		Metrics:      metricsHandler,
		Logger:       lg,
	})
	if cfg.SystemSecret == "" {
		lg.Warn("system_secret is empty, owner creation is disabled")
	}

	go func() {
		lg.Info("Controller starting", zap.String("addr", addr), zap.String("driver", cfg.DatabaseDriver))
		if err := srv.Run(ctx); err != nil {
			lg.Error("Server stopped", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("Shutting down controller...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("Server forced to shutdown", zap.Error(err))
		return
	}
	lg.Info("Server exited properly")
}
