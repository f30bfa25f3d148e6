// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"bulkmail/internal/queue"
	"bulkmail/internal/store"
	"bulkmail/pkg/api"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the owner-scoped queue surface. *queue.Engine satisfies it.
type Engine interface {
	Status(ctx context.Context, ownerID uuid.UUID) (store.Stats, error)
	List(ctx context.Context, ownerID uuid.UUID, filter store.Filter, limit, offset int) ([]store.Job, error)
	ProcessOne(ctx context.Context, ownerID uuid.UUID) (queue.RunResult, error)
	ProcessBatch(ctx context.Context, ownerID uuid.UUID, batchSize int) (queue.BatchResult, error)
	RetryFailed(ctx context.Context, ownerID uuid.UUID) (int64, error)
	RetryJob(ctx context.Context, ownerID, jobID uuid.UUID) error
	ClearFailed(ctx context.Context, ownerID uuid.UUID) (int64, error)
	RecoverStale(ctx context.Context, ownerID uuid.UUID) (int64, error)
}

// StoreFactory combines the store interfaces the controller reads directly.
type StoreFactory interface {
	Ping(ctx context.Context) error
	store.OwnerStore
	store.DeliveryLog
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	engine Engine
	store  StoreFactory
	logger *zap.Logger
}

// New creates a new Handlers instance.
func New(engine Engine, s StoreFactory, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{engine: engine, store: s, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
