package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"bulkmail/internal/store"
	"bulkmail/internal/store/sqlite"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ = Describe("SQLite QueueStore", func() {
	var (
		ctx   context.Context
		db    *sqlite.Store
		clock *fakeClock
		owner uuid.UUID
	)

	const lockTTL = 5 * time.Minute

	enqueue := func(n int) []*store.Job {
		jobs := make([]*store.Job, n)
		for i := range jobs {
			jobs[i] = &store.Job{
				OwnerID:   owner,
				CreatedAt: clock.Now().Add(time.Duration(i) * time.Second),
				Payload: store.Payload{
					ToEmail: fmt.Sprintf("user%d@example.com", i),
					Subject: "hello",
					Body:    "body",
				},
			}
		}
		Expect(db.Enqueue(ctx, jobs)).To(Succeed())
		return jobs
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
		owner = uuid.New()

		var err error
		db, err = sqlite.Open(filepath.Join(GinkgoT().TempDir(), "queue.db"), sqlite.WithClock(clock.Now))
		Expect(err).NotTo(HaveOccurred())

		DeferCleanup(db.Close)
	})

	Describe("claiming", func() {
		It("returns nil when the queue is empty", func() {
			job, err := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("claims jobs in enqueue order and stamps the lock", func() {
			jobs := enqueue(3)

			for _, want := range jobs {
				job, err := db.LockNextEligible(ctx, owner, lockTTL)
				Expect(err).NotTo(HaveOccurred())
				Expect(job).NotTo(BeNil())
				Expect(job.ID).To(Equal(want.ID))
				Expect(job.Status).To(Equal(store.JobStatusProcessing))
				Expect(job.LockedUntil).NotTo(BeNil())
				Expect(*job.LockedUntil).To(BeTemporally("==", clock.Now().Add(lockTTL)))
				Expect(job.ProcessingStartedAt).NotTo(BeNil())
			}

			job, err := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("never claims another owner's jobs", func() {
			enqueue(2)

			job, err := db.LockNextEligible(ctx, uuid.New(), lockTTL)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("hands each job to exactly one of many concurrent claimers", func() {
			const total = 40
			enqueue(total)

			var (
				mu      sync.Mutex
				claimed = map[uuid.UUID]int{}
				wg      sync.WaitGroup
			)

			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for {
						job, err := db.LockNextEligible(ctx, owner, lockTTL)
						Expect(err).NotTo(HaveOccurred())
						if job == nil {
							return
						}
						mu.Lock()
						claimed[job.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(claimed).To(HaveLen(total))
			for id, n := range claimed {
				Expect(n).To(Equal(1), "job %s claimed %d times", id, n)
			}
		})

		It("skips a pending job until retry_after has passed", func() {
			enqueue(1)
			job, err := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(err).NotTo(HaveOccurred())

			Expect(db.CommitOutcome(ctx, owner, job.ID, store.Transition{
				To:           store.JobStatusPending,
				RetryCount:   1,
				RetryDelay:   2 * time.Minute,
				ErrorMessage: "421 busy",
			})).To(Succeed())

			next, err := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(BeNil())

			clock.Advance(2 * time.Minute)

			next, err = db.LockNextEligible(ctx, owner, lockTTL)
			Expect(err).NotTo(HaveOccurred())
			Expect(next).NotTo(BeNil())
			Expect(next.RetryCount).To(Equal(1))
		})
	})

	Describe("committing outcomes", func() {
		It("completes a claimed job and records the result reference", func() {
			enqueue(1)
			job, _ := db.LockNextEligible(ctx, owner, lockTTL)

			Expect(db.CommitOutcome(ctx, owner, job.ID, store.Transition{
				To:        store.JobStatusCompleted,
				ResultRef: "ref-1",
			})).To(Succeed())

			got, err := db.GetJob(ctx, owner, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(store.JobStatusCompleted))
			Expect(got.ResultRef).To(HaveValue(Equal("ref-1")))
			Expect(got.LockedUntil).To(BeNil())
			Expect(got.CompletedAt).NotTo(BeNil())
		})

		It("refuses to apply an outcome twice", func() {
			enqueue(1)
			job, _ := db.LockNextEligible(ctx, owner, lockTTL)

			Expect(db.CommitOutcome(ctx, owner, job.ID, store.Transition{To: store.JobStatusCompleted})).To(Succeed())
			err := db.CommitOutcome(ctx, owner, job.ID, store.Transition{To: store.JobStatusFailed, ErrorMessage: "late"})
			Expect(err).To(MatchError(store.ErrNotClaimed))
		})
	})

	Describe("stale recovery", func() {
		It("reverts only jobs whose lock expired and keeps their retry state", func() {
			enqueue(2)
			first, _ := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(db.CommitOutcome(ctx, owner, first.ID, store.Transition{
				To: store.JobStatusPending, RetryCount: 1, ErrorMessage: "timeout",
			})).To(Succeed())

			stale, _ := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(stale.ID).To(Equal(first.ID))

			clock.Advance(time.Minute)
			live, _ := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(live).NotTo(BeNil())

			clock.Advance(lockTTL - 30*time.Second)

			n, err := db.RecoverStale(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeEquivalentTo(1))

			got, _ := db.GetJob(ctx, owner, first.ID)
			Expect(got.Status).To(Equal(store.JobStatusPending))
			Expect(got.RetryCount).To(Equal(1))
			Expect(got.ErrorMessage).To(HaveValue(Equal("timeout")))
			Expect(got.LockedUntil).To(BeNil())
			Expect(got.RetryAfter).To(BeNil())

			other, _ := db.GetJob(ctx, owner, live.ID)
			Expect(other.Status).To(Equal(store.JobStatusProcessing))

			n, err = db.RecoverStale(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})

		It("makes a worker's late outcome a no-op after recovery", func() {
			enqueue(1)
			job, _ := db.LockNextEligible(ctx, owner, lockTTL)

			clock.Advance(lockTTL + time.Second)
			_, err := db.RecoverStale(ctx, owner)
			Expect(err).NotTo(HaveOccurred())

			err = db.CommitOutcome(ctx, owner, job.ID, store.Transition{To: store.JobStatusCompleted})
			Expect(err).To(MatchError(store.ErrNotClaimed))
		})
	})

	Describe("administrative reset", func() {
		failAll := func(n int) {
			enqueue(n)
			for i := 0; i < n; i++ {
				job, _ := db.LockNextEligible(ctx, owner, lockTTL)
				Expect(db.CommitOutcome(ctx, owner, job.ID, store.Transition{
					To: store.JobStatusFailed, RetryCount: 3, ErrorMessage: "gave up",
				})).To(Succeed())
			}
		}

		It("returns failed jobs to pending with a clean slate", func() {
			failAll(3)

			n, err := db.RetryFailed(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeEquivalentTo(3))

			jobs, err := db.List(ctx, owner, store.FilterPending, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(3))
			for _, j := range jobs {
				Expect(j.RetryCount).To(BeZero())
				Expect(j.ErrorMessage).To(BeNil())
				Expect(j.RetryAfter).To(BeNil())
			}
		})

		It("deletes only failed jobs", func() {
			failAll(2)
			enqueue(1)

			n, err := db.ClearFailed(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeEquivalentTo(2))

			stats, err := db.Stats(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).To(Equal(store.Stats{Pending: 1, Total: 1}))
		})

		It("reports a missing job on single retry", func() {
			enqueue(1)
			jobs, _ := db.List(ctx, owner, store.FilterAll, 10, 0)

			Expect(db.RetryJob(ctx, owner, jobs[0].ID)).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("listing", func() {
		It("orders processing, pending, failed, completed", func() {
			enqueue(4)
			a, _ := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(db.CommitOutcome(ctx, owner, a.ID, store.Transition{To: store.JobStatusCompleted})).To(Succeed())
			b, _ := db.LockNextEligible(ctx, owner, lockTTL)
			Expect(db.CommitOutcome(ctx, owner, b.ID, store.Transition{To: store.JobStatusFailed, ErrorMessage: "x"})).To(Succeed())
			c, _ := db.LockNextEligible(ctx, owner, lockTTL)

			jobs, err := db.List(ctx, owner, store.FilterAll, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(4))

			statuses := make([]store.JobStatus, len(jobs))
			for i, j := range jobs {
				statuses[i] = j.Status
			}
			Expect(statuses).To(Equal([]store.JobStatus{
				store.JobStatusProcessing, store.JobStatusPending, store.JobStatusFailed, store.JobStatusCompleted,
			}))
			Expect(jobs[0].ID).To(Equal(c.ID))
		})
	})

	Describe("deliveries", func() {
		It("writes the legacy log in the same transaction when enabled", func() {
			legacy, err := sqlite.Open(filepath.Join(GinkgoT().TempDir(), "legacy.db"),
				sqlite.WithClock(clock.Now), sqlite.WithLegacyLog(true))
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(legacy.Close)

			d := &store.Delivery{OwnerID: owner, JobID: uuid.New(), ToEmail: "a@example.com", Subject: "s", MessageID: "<m@x>"}
			Expect(legacy.RecordDelivery(ctx, d)).To(Succeed())

			n, err := legacy.LegacyLogCount(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeEquivalentTo(1))

			list, err := legacy.ListDeliveries(ctx, owner, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal(d.ID))
		})

		It("resolves owners by key hash", func() {
			o := &store.Owner{Name: "acme"}
			Expect(db.CreateOwner(ctx, o, "hash-1")).To(Succeed())

			got, err := db.GetOwnerByAPIKeyHash(ctx, "hash-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(o.ID))

			missing, err := db.GetOwnerByAPIKeyHash(ctx, "nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(missing).To(BeNil())
		})
	})
})
