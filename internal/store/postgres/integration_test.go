//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// newTestStore starts a Postgres container with the schema applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("bulkmail_test"),
		tcpostgres.WithUsername("bulkmail"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, Migrate(s.DB()))
	return s
}

func TestIntegration_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	const total = 50
	jobs := make([]*store.Job, total)
	base := time.Now().Add(-time.Hour)
	for i := range jobs {
		jobs[i] = &store.Job{
			OwnerID:   owner,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			Payload:   store.Payload{ToEmail: "user@example.com", Subject: "s", Body: "b"},
		}
	}
	require.NoError(t, s.Enqueue(ctx, jobs))

	var (
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.LockNextEligible(ctx, owner, time.Minute)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestIntegration_RetryBackoffAndRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()

	require.NoError(t, s.Enqueue(ctx, []*store.Job{{OwnerID: owner, Payload: store.Payload{ToEmail: "a@example.com"}}}))

	job, err := s.LockNextEligible(ctx, owner, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.CommitOutcome(ctx, owner, job.ID, store.Transition{
		To:           store.JobStatusPending,
		RetryCount:   1,
		RetryDelay:   2 * time.Minute,
		ErrorMessage: "421 try again later",
	}))

	next, err := s.LockNextEligible(ctx, owner, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next, "job must not be eligible before retry_after")

	stats, err := s.Stats(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Pending: 1, Total: 1}, stats)

	got, err := s.GetJob(ctx, owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.RetryAfter)
	assert.True(t, got.RetryAfter.After(time.Now().Add(time.Minute)))

	// A lock that is already expired is recovered immediately.
	_, err = s.db.ExecContext(ctx, "UPDATE mail_jobs SET status = 'processing', locked_until = NOW() - INTERVAL '1 second' WHERE id = $1", job.ID)
	require.NoError(t, err)

	n, err := s.RecoverStale(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	err = s.CommitOutcome(ctx, owner, job.ID, store.Transition{To: store.JobStatusCompleted})
	assert.ErrorIs(t, err, store.ErrNotClaimed)
}
