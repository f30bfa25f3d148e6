// Package cache keeps short-lived per-owner queue stats in Redis so that
// dashboards polling the status endpoint do not hit the database every time.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

const keyPrefix = "mailq:stats:"

// StatsCache stores store.Stats as JSON under one key per owner.
type StatsCache struct {
	rdb *r.Client
	ttl time.Duration
}

func NewStatsCache(rdb *r.Client, ttl time.Duration) *StatsCache {
	return &StatsCache{rdb: rdb, ttl: ttl}
}

// Options is the Redis connection configuration.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient builds a Redis client with short timeouts.
func NewClient(o Options) *r.Client {
	return r.NewClient(&r.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  250 * time.Millisecond,
		WriteTimeout: 250 * time.Millisecond,
		MaxRetries:   1,
	})
}

func key(ownerID uuid.UUID) string {
	return keyPrefix + ownerID.String()
}

// Get returns ok=false on a miss.
func (c *StatsCache) Get(ctx context.Context, ownerID uuid.UUID) (store.Stats, bool, error) {
	raw, err := c.rdb.Get(ctx, key(ownerID)).Bytes()
	if errors.Is(err, r.Nil) {
		return store.Stats{}, false, nil
	}
	if err != nil {
		return store.Stats{}, false, fmt.Errorf("get cached stats: %w", err)
	}

	var s store.Stats
	if err := json.Unmarshal(raw, &s); err != nil {
		return store.Stats{}, false, fmt.Errorf("decode cached stats: %w", err)
	}
	return s, true, nil
}

func (c *StatsCache) Set(ctx context.Context, ownerID uuid.UUID, stats store.Stats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, key(ownerID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached stats: %w", err)
	}
	return nil
}

func (c *StatsCache) Invalidate(ctx context.Context, ownerID uuid.UUID) error {
	if err := c.rdb.Del(ctx, key(ownerID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached stats: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (c *StatsCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
