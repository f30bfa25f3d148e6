package queue

import (
	"context"
	"time"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchResult aggregates one BatchRunner invocation.
type BatchResult struct {
	Sent int

	// Retried counts failed sends that were rescheduled; Failed counts jobs
	// that ended in the failed state.
	Retried int
	Failed  int

	// NoMore is set when the queue ran out of eligible jobs.
	NoMore bool

	// TransportDown is set when the batch stopped because the relay was unreachable.
	TransportDown bool

	Results []RunResult
	Stats   store.Stats
}

// BatchRunner runs many jobs over one session with a pause between jobs.
type BatchRunner struct {
	runner   *JobRunner
	stats    *StatsReporter
	sessions SessionFactory
	size     int
	hardMax  int
	delay    time.Duration
	pause    func(context.Context, time.Duration)
	logger   *zap.Logger
}

func NewBatchRunner(r *JobRunner, stats *StatsReporter, sessions SessionFactory, size, hardMax int, delay time.Duration, logger *zap.Logger) *BatchRunner {
	return &BatchRunner{
		runner:   r,
		stats:    stats,
		sessions: sessions,
		size:     size,
		hardMax:  hardMax,
		delay:    delay,
		pause:    sleep,
		logger:   logger,
	}
}

// Limit clamps a requested batch size to (0, hardMax], using the default when
// the request is not positive.
func (b *BatchRunner) Limit(requested int) int {
	if requested <= 0 {
		requested = b.size
	}
	if requested > b.hardMax {
		requested = b.hardMax
	}
	return requested
}

// Run processes up to size jobs of ownerID. The session is always closed and
// the returned stats are read from the store, bypassing any cache. A non-nil
// error comes with the partial result gathered so far.
func (b *BatchRunner) Run(ctx context.Context, ownerID uuid.UUID, size int) (BatchResult, error) {
	limit := b.Limit(size)
	result := BatchResult{Results: make([]RunResult, 0, limit)}

	sess := b.sessions()

	var runErr error
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			break
		}

		job, err := b.runner.claimer.Claim(ctx, ownerID)
		if err != nil {
			runErr = err
			break
		}
		if job == nil {
			result.NoMore = true
			break
		}

		// Pause between claim and send. A claimed job is sent even if ctx
		// ends during the pause; the next iteration then stops.
		if i > 0 && b.delay > 0 {
			b.pause(ctx, b.delay)
		}

		res, err := b.runner.deliver(ctx, ownerID, job, sess)
		if err != nil {
			runErr = err
			break
		}

		result.Results = append(result.Results, res)
		switch {
		case res.Sent:
			result.Sent++
		case res.WillRetry:
			result.Retried++
		default:
			result.Failed++
		}

		if res.TransportDown {
			result.TransportDown = true
			break
		}
	}

	if err := sess.Close(); err != nil {
		b.logger.Warn("failed to close mail session", zap.Error(err))
	}

	stats, err := b.stats.Fresh(context.WithoutCancel(ctx), ownerID)
	if err != nil && runErr == nil {
		runErr = err
	}
	result.Stats = stats

	b.logger.Info("batch finished",
		zap.String("owner_id", ownerID.String()),
		zap.Int("sent", result.Sent),
		zap.Int("retried", result.Retried),
		zap.Int("failed", result.Failed),
		zap.Bool("no_more", result.NoMore),
		zap.Bool("transport_down", result.TransportDown),
	)

	return result, runErr
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
