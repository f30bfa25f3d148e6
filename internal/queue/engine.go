package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config tunes the engine.
type Config struct {
	LockTTL      time.Duration
	Policy       Policy
	BatchSize    int
	BatchHardMax int
	BatchDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTTL:      5 * time.Minute,
		Policy:       DefaultPolicy(),
		BatchSize:    10,
		BatchHardMax: 50,
		BatchDelay:   300 * time.Millisecond,
	}
}

func (c Config) validate() error {
	switch {
	case c.LockTTL <= 0:
		return errors.New("lock ttl must be positive")
	case c.Policy.MaxRetries < 1:
		return errors.New("max retries must be at least 1")
	case c.Policy.Base <= 0:
		return errors.New("backoff base must be positive")
	case c.Policy.Multiplier < 1:
		return errors.New("backoff multiplier must be at least 1")
	case c.BatchSize < 1:
		return errors.New("batch size must be positive")
	case c.BatchHardMax < c.BatchSize:
		return errors.New("batch hard max must not be below batch size")
	case c.BatchDelay < 0:
		return errors.New("batch delay must not be negative")
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStatsCache enables cached Status reads.
func WithStatsCache(c StatsCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithClock sets the clock used to report retry times. It does not affect
// what the store considers eligible.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine is the owner-scoped entry point to the queue. Every operation that
// touches jobs first returns stale locks to the queue.
type Engine struct {
	store    store.QueueStore
	sessions SessionFactory

	logger *zap.Logger
	cache  StatsCache
	meter  metric.Meter
	now    func() time.Time

	recoverer *StaleRecoverer
	runner    *JobRunner
	batch     *BatchRunner
	stats     *StatsReporter
}

func New(s store.QueueStore, sessions SessionFactory, cfg Config, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("queue store is required")
	}
	if sessions == nil {
		return nil, errors.New("session factory is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &Engine{
		store:    s,
		sessions: sessions,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	m, err := newMetrics(e.meter)
	if err != nil {
		return nil, fmt.Errorf("create engine metrics: %w", err)
	}

	e.recoverer = NewStaleRecoverer(s, m, e.logger)
	e.stats = NewStatsReporter(s, e.cache, e.logger)
	e.runner = NewJobRunner(s, NewClaimer(s, cfg.LockTTL), cfg.Policy, m, e.logger, e.now)
	e.batch = NewBatchRunner(e.runner, e.stats, sessions, cfg.BatchSize, cfg.BatchHardMax, cfg.BatchDelay, e.logger)

	return e, nil
}

// Status returns per-status counts, possibly from the cache.
func (e *Engine) Status(ctx context.Context, ownerID uuid.UUID) (store.Stats, error) {
	if _, err := e.recover(ctx, ownerID); err != nil {
		return store.Stats{}, err
	}
	return e.stats.Snapshot(ctx, ownerID)
}

// List returns the owner's jobs: processing first, then pending, failed and
// completed, newest first within each group.
func (e *Engine) List(ctx context.Context, ownerID uuid.UUID, filter store.Filter, limit, offset int) ([]store.Job, error) {
	if _, err := e.recover(ctx, ownerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := e.store.List(ctx, ownerID, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ProcessOne sends at most one job over a fresh session.
func (e *Engine) ProcessOne(ctx context.Context, ownerID uuid.UUID) (RunResult, error) {
	if _, err := e.recover(ctx, ownerID); err != nil {
		return RunResult{}, err
	}

	sess := e.sessions()
	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Warn("failed to close mail session", zap.Error(err))
		}
	}()

	res, err := e.runner.Run(ctx, ownerID, sess)
	if res.Processed {
		e.stats.Invalidate(context.WithoutCancel(ctx), ownerID)
	}
	return res, err
}

// ProcessBatch sends up to batchSize jobs over one session. Sizes outside
// (0, hard max] are clamped.
func (e *Engine) ProcessBatch(ctx context.Context, ownerID uuid.UUID, batchSize int) (BatchResult, error) {
	if _, err := e.recover(ctx, ownerID); err != nil {
		return BatchResult{}, err
	}
	return e.batch.Run(ctx, ownerID, batchSize)
}

// RetryFailed returns every failed job of the owner to pending.
func (e *Engine) RetryFailed(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	if _, err := e.recover(ctx, ownerID); err != nil {
		return 0, err
	}
	n, err := e.store.RetryFailed(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	e.stats.Invalidate(ctx, ownerID)
	e.logger.Info("failed jobs requeued", zap.String("owner_id", ownerID.String()), zap.Int64("count", n))
	return n, nil
}

// RetryJob returns one failed job to pending. It fails with store.ErrNotFound
// when the job is missing or not failed.
func (e *Engine) RetryJob(ctx context.Context, ownerID, jobID uuid.UUID) error {
	if _, err := e.recover(ctx, ownerID); err != nil {
		return err
	}
	if err := e.store.RetryJob(ctx, ownerID, jobID); err != nil {
		return fmt.Errorf("retry job %s: %w", jobID, err)
	}
	e.stats.Invalidate(ctx, ownerID)
	return nil
}

// ClearFailed deletes every failed job of the owner.
func (e *Engine) ClearFailed(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	if _, err := e.recover(ctx, ownerID); err != nil {
		return 0, err
	}
	n, err := e.store.ClearFailed(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("clear failed jobs: %w", err)
	}
	e.stats.Invalidate(ctx, ownerID)
	e.logger.Info("failed jobs cleared", zap.String("owner_id", ownerID.String()), zap.Int64("count", n))
	return n, nil
}

// RecoverStale runs stale recovery on demand.
func (e *Engine) RecoverStale(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	return e.recover(ctx, ownerID)
}

func (e *Engine) recover(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	n, err := e.recoverer.Recover(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.stats.Invalidate(ctx, ownerID)
	}
	return n, nil
}
