package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotClaimed is returned when an outcome is committed for a job that is
	// no longer in processing, e.g. because its lock expired and it was recovered.
	ErrNotClaimed = errors.New("job is not claimed")

	// ErrNotFound is returned when a row does not exist for the calling owner.
	ErrNotFound = errors.New("not found")
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// QueueStore is the durable, owner-scoped table of mail jobs.
type QueueStore interface {
	// Enqueue inserts pending jobs. It is the entry point of the import
	// collaborator; the engine itself never enqueues.
	Enqueue(ctx context.Context, jobs []*Job) error

	// LockNextEligible claims the oldest eligible pending job of the owner and
	// flips it to processing with locked_until = now + lockTTL.
	// Returns nil, nil when nothing is eligible.
	LockNextEligible(ctx context.Context, ownerID uuid.UUID, lockTTL time.Duration) (*Job, error)

	// CommitOutcome applies t to a job that is still processing.
	// Returns ErrNotClaimed if the job left processing in the meantime.
	CommitOutcome(ctx context.Context, ownerID, jobID uuid.UUID, t Transition) error

	// RecoverStale reverts processing jobs with an expired or missing lock to pending.
	RecoverStale(ctx context.Context, ownerID uuid.UUID) (int64, error)

	// RetryFailed resets every failed job of the owner to pending with retry_count = 0.
	RetryFailed(ctx context.Context, ownerID uuid.UUID) (int64, error)

	// RetryJob resets one failed job to pending. Returns ErrNotFound if the
	// job does not exist or is not failed.
	RetryJob(ctx context.Context, ownerID, jobID uuid.UUID) error

	// ClearFailed deletes every failed job of the owner.
	ClearFailed(ctx context.Context, ownerID uuid.UUID) (int64, error)

	Stats(ctx context.Context, ownerID uuid.UUID) (Stats, error)
	List(ctx context.Context, ownerID uuid.UUID, filter Filter, limit, offset int) ([]Job, error)
	GetJob(ctx context.Context, ownerID, jobID uuid.UUID) (*Job, error)

	// CountPending counts pending jobs across all owners.
	CountPending(ctx context.Context) (int64, error)
}

// DeliveryLog persists the audit trail of sent messages.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Delivery, error)
}

// OwnerStore handles retrieving owner information for authentication.
type OwnerStore interface {
	// CreateOwner inserts a new owner with the hash of its API key.
	CreateOwner(ctx context.Context, owner *Owner, hashedKey string) error

	// GetOwnerByAPIKeyHash returns the owner for an API key hash, or nil if unknown.
	GetOwnerByAPIKeyHash(ctx context.Context, hash string) (*Owner, error)
}
