package handlers

import (
	"context"

	"bulkmail/internal/queue"
	"bulkmail/internal/store"

	"github.com/google/uuid"
)

// Mock Engine
type mockEngine struct {
	statsResp store.Stats
	statsErr  error

	listResp []store.Job
	listErr  error

	runResp queue.RunResult
	runErr  error

	batchResp queue.BatchResult
	batchErr  error

	countResp int64
	countErr  error
	retryErr  error

	// Spies (to verify arguments passed by handlers)
	capturedOwner     uuid.UUID
	capturedFilter    store.Filter
	capturedLimit     int
	capturedOffset    int
	capturedBatchSize int
	capturedJobID     uuid.UUID
}

func (m *mockEngine) Status(ctx context.Context, ownerID uuid.UUID) (store.Stats, error) {
	m.capturedOwner = ownerID
	return m.statsResp, m.statsErr
}

func (m *mockEngine) List(ctx context.Context, ownerID uuid.UUID, filter store.Filter, limit, offset int) ([]store.Job, error) {
	m.capturedOwner = ownerID
	m.capturedFilter = filter
	m.capturedLimit = limit
	m.capturedOffset = offset
	return m.listResp, m.listErr
}

func (m *mockEngine) ProcessOne(ctx context.Context, ownerID uuid.UUID) (queue.RunResult, error) {
	m.capturedOwner = ownerID
	return m.runResp, m.runErr
}

func (m *mockEngine) ProcessBatch(ctx context.Context, ownerID uuid.UUID, batchSize int) (queue.BatchResult, error) {
	m.capturedOwner = ownerID
	m.capturedBatchSize = batchSize
	return m.batchResp, m.batchErr
}

func (m *mockEngine) RetryFailed(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	m.capturedOwner = ownerID
	return m.countResp, m.countErr
}

func (m *mockEngine) RetryJob(ctx context.Context, ownerID, jobID uuid.UUID) error {
	m.capturedOwner = ownerID
	m.capturedJobID = jobID
	return m.retryErr
}

func (m *mockEngine) ClearFailed(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	m.capturedOwner = ownerID
	return m.countResp, m.countErr
}

func (m *mockEngine) RecoverStale(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	m.capturedOwner = ownerID
	return m.countResp, m.countErr
}

// Mock Store
type mockStore struct {
	pingErr error

	// Owner Hooks
	createOwnerErr error
	capturedHash   string

	// Delivery Hooks
	deliveriesResp []store.Delivery
	deliveriesErr  error
	capturedLimit  int
	capturedOffset int
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) CreateOwner(ctx context.Context, owner *store.Owner, hashedKey string) error {
	m.capturedHash = hashedKey
	if m.createOwnerErr != nil {
		return m.createOwnerErr
	}
	owner.ID = uuid.New()
	return nil
}

func (m *mockStore) GetOwnerByAPIKeyHash(ctx context.Context, hash string) (*store.Owner, error) {
	return nil, nil
}

func (m *mockStore) RecordDelivery(ctx context.Context, d *store.Delivery) error {
	return nil
}

func (m *mockStore) ListDeliveries(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]store.Delivery, error) {
	m.capturedLimit = limit
	m.capturedOffset = offset
	return m.deliveriesResp, m.deliveriesErr
}
