package queue

import (
	"context"
	"fmt"
	"time"

	"bulkmail/internal/mail"
	"bulkmail/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RunResult describes one JobRunner invocation.
type RunResult struct {
	// Processed is false when no job was eligible.
	Processed bool
	Sent      bool

	JobID     uuid.UUID
	Recipient string
	Subject   string

	Error      string
	WillRetry  bool
	RetryAfter *time.Time

	// TransportDown is set when the relay could not be reached at all.
	TransportDown bool
}

// JobRunner drives one job from claim to committed outcome.
type JobRunner struct {
	store   store.QueueStore
	claimer *Claimer
	policy  Policy
	metrics *metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewJobRunner(s store.QueueStore, c *Claimer, p Policy, m *metrics, logger *zap.Logger, now func() time.Time) *JobRunner {
	return &JobRunner{store: s, claimer: c, policy: p, metrics: m, logger: logger, now: now}
}

// Run claims and sends one job of ownerID through sess. Per-job failures are
// reported in the result; the error return is reserved for store failures.
// Once a job is claimed, cancelling ctx no longer stops its send or the
// commit of its outcome.
func (r *JobRunner) Run(ctx context.Context, ownerID uuid.UUID, sess Session) (RunResult, error) {
	job, err := r.claimer.Claim(ctx, ownerID)
	if err != nil {
		return RunResult{}, err
	}
	if job == nil {
		return RunResult{}, nil
	}
	return r.deliver(ctx, ownerID, job, sess)
}

// deliver sends a claimed job and commits its outcome.
func (r *JobRunner) deliver(ctx context.Context, ownerID uuid.UUID, job *store.Job, sess Session) (RunResult, error) {
	ctx = context.WithoutCancel(ctx)

	ctx, span := otel.Tracer("bulkmail/queue").Start(ctx, "send_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("owner.id", ownerID.String()),
			attribute.Int("job.retry_count", job.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	res := RunResult{
		Processed: true,
		JobID:     job.ID,
		Recipient: job.Payload.ToEmail,
		Subject:   job.Payload.Subject,
	}

	start := time.Now()
	ref, sendErr := sess.Send(ctx, job)
	r.metrics.sendDuration.Record(ctx, time.Since(start).Seconds())

	if sendErr == nil {
		if err := r.store.CommitOutcome(ctx, ownerID, job.ID, store.Transition{
			To:        store.JobStatusCompleted,
			ResultRef: ref,
		}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "commit failed")
			return res, fmt.Errorf("commit sent job %s: %w", job.ID, err)
		}

		res.Sent = true
		r.metrics.sent.Add(ctx, 1)
		r.logger.Info("job sent",
			zap.String("owner_id", ownerID.String()),
			zap.String("job_id", job.ID.String()),
			zap.String("result_ref", ref),
		)
		return res, nil
	}

	span.RecordError(sendErr)
	class := r.policy.Classify(sendErr)
	t := r.policy.Decide(job.RetryCount, sendErr)
	span.SetAttributes(attribute.String("failure.class", class.String()))

	if err := r.store.CommitOutcome(ctx, ownerID, job.ID, t); err != nil {
		span.SetStatus(codes.Error, "commit failed")
		return res, fmt.Errorf("commit failed job %s: %w", job.ID, err)
	}

	res.Error = t.ErrorMessage
	res.TransportDown = mail.IsTransportDown(sendErr)

	fields := []zap.Field{
		zap.String("owner_id", ownerID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("class", class.String()),
		zap.Int("retry_count", t.RetryCount),
		zap.Error(sendErr),
	}

	if t.To == store.JobStatusPending {
		retryAt := r.now().Add(t.RetryDelay)
		res.WillRetry = true
		res.RetryAfter = &retryAt
		r.metrics.retried.Add(ctx, 1)
		r.logger.Warn("job send failed, will retry", append(fields, zap.Time("retry_after", retryAt))...)
	} else {
		r.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class.String())))
		r.logger.Warn("job failed", fields...)
	}

	return res, nil
}
