// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"bulkmail/internal/controller/handlers"
	"bulkmail/internal/controller/middleware"

	"go.uber.org/zap"
)

// Options configures the optional parts of the controller server.
type Options struct {
	// SystemSecret guards POST /owners. Empty disables owner creation.
	SystemSecret string

	// Limiter throttles authenticated routes per owner. Nil uses the defaults.
	Limiter *middleware.RateLimiter

	// Metrics is served at GET /metrics when set.
	Metrics http.Handler

	Logger *zap.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, engine handlers.Engine, store handlers.StoreFactory, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     NewHandler(engine, store, opts),
			ReadTimeout: 10 * time.Second,
			// A batch holds the request open while it paces sends.
			WriteTimeout: 2 * time.Minute,
		},
	}
}

// NewHandler builds the routed handler tree.
func NewHandler(engine handlers.Engine, store handlers.StoreFactory, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = middleware.NewRateLimiter()
	}

	h := handlers.New(engine, store, opts.Logger)
	authMW := middleware.AuthMiddleware(store)
	limitMW := opts.Limiter.Middleware()
	owner := func(fn http.HandlerFunc) http.Handler {
		return authMW(limitMW(fn))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Admin
	mux.Handle("POST /owners", middleware.RequireAdminAuth(opts.SystemSecret)(http.HandlerFunc(h.CreateOwner)))

	// Owner-scoped queue apis
	mux.Handle("GET /queue/status", owner(h.GetQueueStatus))
	mux.Handle("GET /queue", owner(h.ListJobs))
	mux.Handle("POST /queue/process", owner(h.ProcessOne))
	mux.Handle("POST /queue/batch", owner(h.ProcessBatch))
	mux.Handle("POST /queue/retry-failed", owner(h.RetryFailed))
	mux.Handle("DELETE /queue/failed", owner(h.ClearFailed))
	mux.Handle("POST /queue/recover-stale", owner(h.RecoverStale))
	mux.Handle("POST /queue/jobs/{id}/retry", owner(h.RetryJob))
	mux.Handle("GET /deliveries", owner(h.ListDeliveries))

	return middleware.RequestLogger(opts.Logger)(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
