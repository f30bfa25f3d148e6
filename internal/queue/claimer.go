// Package queue drives queued mail jobs to completion: it claims jobs, sends
// them, classifies failures and commits the resulting state transitions.
package queue

import (
	"context"
	"fmt"
	"time"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session sends jobs over one transport connection. It is owned by a single
// runner invocation and closed when that invocation ends.
type Session interface {
	Send(ctx context.Context, job *store.Job) (resultRef string, err error)
	Close() error
}

// SessionFactory opens a new Session.
type SessionFactory func() Session

// Claimer hands out the oldest eligible job of an owner.
type Claimer struct {
	store   store.QueueStore
	lockTTL time.Duration
}

func NewClaimer(s store.QueueStore, lockTTL time.Duration) *Claimer {
	return &Claimer{store: s, lockTTL: lockTTL}
}

// Claim returns nil when nothing is eligible.
func (c *Claimer) Claim(ctx context.Context, ownerID uuid.UUID) (*store.Job, error) {
	job, err := c.store.LockNextEligible(ctx, ownerID, c.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return job, nil
}

// StaleRecoverer returns jobs held by dead workers to the queue.
type StaleRecoverer struct {
	store   store.QueueStore
	metrics *metrics
	logger  *zap.Logger
}

func NewStaleRecoverer(s store.QueueStore, m *metrics, logger *zap.Logger) *StaleRecoverer {
	return &StaleRecoverer{store: s, metrics: m, logger: logger}
}

// Recover reverts the owner's processing jobs whose lock has expired.
// Jobs with a live lock are never touched.
func (r *StaleRecoverer) Recover(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	n, err := r.store.RecoverStale(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		r.metrics.recovered.Add(ctx, n)
		r.logger.Warn("recovered stale jobs",
			zap.String("owner_id", ownerID.String()),
			zap.Int64("count", n),
		)
	}
	return n, nil
}
