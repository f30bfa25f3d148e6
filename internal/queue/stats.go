package queue

import (
	"context"
	"fmt"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatsCache keeps recent per-owner stats for polling clients.
type StatsCache interface {
	Get(ctx context.Context, ownerID uuid.UUID) (store.Stats, bool, error)
	Set(ctx context.Context, ownerID uuid.UUID, stats store.Stats) error
	Invalidate(ctx context.Context, ownerID uuid.UUID) error
}

// StatsReporter counts an owner's jobs per status.
type StatsReporter struct {
	store  store.QueueStore
	cache  StatsCache
	logger *zap.Logger
}

func NewStatsReporter(s store.QueueStore, cache StatsCache, logger *zap.Logger) *StatsReporter {
	return &StatsReporter{store: s, cache: cache, logger: logger}
}

// Snapshot serves from the cache when possible. Cache failures fall back to the store.
func (r *StatsReporter) Snapshot(ctx context.Context, ownerID uuid.UUID) (store.Stats, error) {
	if r.cache != nil {
		stats, ok, err := r.cache.Get(ctx, ownerID)
		if err != nil {
			r.logger.Warn("stats cache read failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		} else if ok {
			return stats, nil
		}
	}
	return r.Fresh(ctx, ownerID)
}

// Fresh reads from the store and refreshes the cache.
func (r *StatsReporter) Fresh(ctx context.Context, ownerID uuid.UUID) (store.Stats, error) {
	stats, err := r.store.Stats(ctx, ownerID)
	if err != nil {
		return store.Stats{}, fmt.Errorf("read stats: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, ownerID, stats); err != nil {
			r.logger.Warn("stats cache write failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		}
	}
	return stats, nil
}

// Invalidate drops the owner's cached stats.
func (r *StatsReporter) Invalidate(ctx context.Context, ownerID uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, ownerID); err != nil {
		r.logger.Warn("stats cache invalidation failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
	}
}
