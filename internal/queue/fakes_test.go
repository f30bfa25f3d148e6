package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore is an in-memory QueueStore. A single mutex stands in for row locks.
type memStore struct {
	mu    sync.Mutex
	clock *testClock
	jobs  map[uuid.UUID]*store.Job

	statsCalls int
	claimErr   error
	commitErr  error
}

func newMemStore(clock *testClock) *memStore {
	return &memStore{clock: clock, jobs: make(map[uuid.UUID]*store.Job)}
}

func (m *memStore) add(ownerID uuid.UUID, to string) *store.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Distinct creation times keep FIFO order deterministic.
	created := m.clock.Now().Add(time.Duration(len(m.jobs)) * time.Millisecond)
	j := &store.Job{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Status:    store.JobStatusPending,
		Payload:   store.Payload{ToEmail: to, Subject: "Hello {{.Name}}", Body: "Hi {{.Name}}", ToName: "Reader"},
		CreatedAt: created,
	}
	m.jobs[j.ID] = j
	return j
}

func (m *memStore) get(id uuid.UUID) store.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) setStatus(id uuid.UUID, status store.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = status
}

func (m *memStore) Enqueue(_ context.Context, jobs []*store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		j.Status = store.JobStatusPending
		if j.CreatedAt.IsZero() {
			j.CreatedAt = m.clock.Now()
		}
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return nil
}

func (m *memStore) LockNextEligible(_ context.Context, ownerID uuid.UUID, lockTTL time.Duration) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}

	now := m.clock.Now()
	var next *store.Job
	for _, j := range m.jobs {
		if j.OwnerID != ownerID || j.Status != store.JobStatusPending {
			continue
		}
		if j.RetryAfter != nil && j.RetryAfter.After(now) {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) ||
			(j.CreatedAt.Equal(next.CreatedAt) && j.ID.String() < next.ID.String()) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	until := now.Add(lockTTL)
	next.Status = store.JobStatusProcessing
	next.ProcessingStartedAt = &now
	next.LockedUntil = &until
	cp := *next
	return &cp, nil
}

func (m *memStore) CommitOutcome(ctx context.Context, ownerID, jobID uuid.UUID, t store.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	j, ok := m.jobs[jobID]
	if !ok || j.OwnerID != ownerID || j.Status != store.JobStatusProcessing {
		return store.ErrNotClaimed
	}

	now := m.clock.Now()
	j.LockedUntil = nil
	switch t.To {
	case store.JobStatusCompleted:
		j.Status = store.JobStatusCompleted
		j.CompletedAt = &now
		j.ErrorMessage = nil
		if t.ResultRef != "" {
			ref := t.ResultRef
			j.ResultRef = &ref
		}
	case store.JobStatusPending:
		after := now.Add(t.RetryDelay)
		msg := t.ErrorMessage
		j.Status = store.JobStatusPending
		j.RetryCount = t.RetryCount
		j.RetryAfter = &after
		j.ErrorMessage = &msg
	case store.JobStatusFailed:
		msg := t.ErrorMessage
		j.Status = store.JobStatusFailed
		j.RetryCount = t.RetryCount
		j.ErrorMessage = &msg
	default:
		return fmt.Errorf("invalid transition target %q", t.To)
	}
	return nil
}

func (m *memStore) RecoverStale(_ context.Context, ownerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var n int64
	for _, j := range m.jobs {
		if j.OwnerID != ownerID || j.Status != store.JobStatusProcessing {
			continue
		}
		if j.LockedUntil != nil && !j.LockedUntil.Before(now) {
			continue
		}
		j.Status = store.JobStatusPending
		j.LockedUntil = nil
		j.RetryAfter = nil
		n++
	}
	return n, nil
}

func (m *memStore) RetryFailed(_ context.Context, ownerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && j.Status == store.JobStatusFailed {
			resetJob(j)
			n++
		}
	}
	return n, nil
}

func (m *memStore) RetryJob(_ context.Context, ownerID, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.OwnerID != ownerID || j.Status != store.JobStatusFailed {
		return store.ErrNotFound
	}
	resetJob(j)
	return nil
}

func resetJob(j *store.Job) {
	j.Status = store.JobStatusPending
	j.RetryCount = 0
	j.RetryAfter = nil
	j.ErrorMessage = nil
	j.LockedUntil = nil
}

func (m *memStore) ClearFailed(_ context.Context, ownerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if j.OwnerID == ownerID && j.Status == store.JobStatusFailed {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Stats(_ context.Context, ownerID uuid.UUID) (store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statsCalls++
	var s store.Stats
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			s.Add(j.Status, 1)
		}
	}
	return s, nil
}

func (m *memStore) List(_ context.Context, ownerID uuid.UUID, filter store.Filter, limit, offset int) ([]store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rank := map[store.JobStatus]int{
		store.JobStatusProcessing: 0,
		store.JobStatusPending:    1,
		store.JobStatusFailed:     2,
		store.JobStatusCompleted:  3,
	}
	wanted := make(map[store.JobStatus]bool)
	for _, s := range filter.Statuses() {
		wanted[s] = true
	}

	var out []store.Job
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && wanted[j.Status] {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if rank[out[a].Status] != rank[out[b].Status] {
			return rank[out[a].Status] < rank[out[b].Status]
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetJob(_ context.Context, ownerID, jobID uuid.UUID) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) CountPending(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.Status == store.JobStatusPending {
			n++
		}
	}
	return n, nil
}

// fakeRelay is a scripted SMTP relay behind the gomail SendCloser interface.
type fakeRelay struct {
	mu        sync.Mutex
	dialErr   error
	failures  map[string][]error
	dials     int
	open      int
	delivered []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{failures: make(map[string][]error)}
}

// failNext makes the next sends to rcpt fail with errs, in order.
func (r *fakeRelay) failNext(rcpt string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[rcpt] = append(r.failures[rcpt], errs...)
}

func (r *fakeRelay) Dial() (gomail.SendCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	r.dials++
	r.open++
	return &fakeConn{relay: r}, nil
}

func (r *fakeRelay) openConns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

type fakeConn struct {
	relay  *fakeRelay
	closed bool
}

func (c *fakeConn) Send(_ string, to []string, msg io.WriterTo) error {
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.closed {
		return errors.New("use of closed connection")
	}
	if _, err := msg.WriteTo(io.Discard); err != nil {
		return err
	}
	rcpt := to[0]
	if errs := r.failures[rcpt]; len(errs) > 0 {
		r.failures[rcpt] = errs[1:]
		return errs[0]
	}
	r.delivered = append(r.delivered, rcpt)
	return nil
}

func (c *fakeConn) Close() error {
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if !c.closed {
		c.closed = true
		r.open--
	}
	return nil
}

// scriptedSession returns queued results without any transport.
type scriptedSession struct {
	mu      sync.Mutex
	results []error
	sent    []uuid.UUID
	closed  int
}

func (s *scriptedSession) Send(_ context.Context, job *store.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, job.ID)
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return "", err
		}
	}
	return "ref-" + job.ID.String(), nil
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type memStatsCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]store.Stats
	getErr  error
}

func newMemStatsCache() *memStatsCache {
	return &memStatsCache{entries: make(map[uuid.UUID]store.Stats)}
}

func (c *memStatsCache) Get(_ context.Context, ownerID uuid.UUID) (store.Stats, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return store.Stats{}, false, c.getErr
	}
	s, ok := c.entries[ownerID]
	return s, ok, nil
}

func (c *memStatsCache) Set(_ context.Context, ownerID uuid.UUID, stats store.Stats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ownerID] = stats
	return nil
}

func (c *memStatsCache) Invalidate(_ context.Context, ownerID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ownerID)
	return nil
}
