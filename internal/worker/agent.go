// Package worker contains the worker-specific logic for background batch delivery.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bulkmail/internal/queue"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BatchProcessor runs one delivery batch for an owner. *queue.Engine satisfies it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, ownerID uuid.UUID, batchSize int) (queue.BatchResult, error)
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID           string
	Concurrency  int           // Owners processed in parallel (default: 1)
	BatchSize    int           // Zero uses the engine default
	PollInterval time.Duration // Minimum delay between polls (default: 1s)
	MaxBackoff   time.Duration // Maximum backoff when every queue is empty (default: 30s)
}

// Agent periodically runs a batch for each configured owner.
type Agent struct {
	engine BatchProcessor
	config AgentConfig
	owners []uuid.UUID
	logger *zap.Logger
	done   chan struct{}
}

// New creates a new worker agent.
func New(engine BatchProcessor, config AgentConfig, owners []uuid.UUID, logger *zap.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = config.PollInterval
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Agent{
		engine: engine,
		config: config,
		owners: owners,
		logger: logger.With(zap.String("agent_id", config.ID)),
		done:   make(chan struct{}),
	}
}

// Run starts the poll loop. It blocks until the context is cancelled.
// A batch that is already running when the context ends is allowed to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		zap.Int("owners", len(a.owners)),
		zap.Int("concurrency", a.config.Concurrency),
	)

	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queues, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			if ctx.Err() != nil {
				continue
			}
			if a.pollOnce(ctx) == 0 {
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			// Found work: keep draining without waiting
			currentBackoff = a.config.PollInterval
			triggerPoll()
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// pollOnce runs one batch per owner and returns how many jobs made progress.
func (a *Agent) pollOnce(ctx context.Context) int64 {
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup
	var processed atomic.Int64

	// Batches outlive cancellation so their claimed jobs are committed.
	batchCtx := context.WithoutCancel(ctx)

	for _, ownerID := range a.owners {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(ownerID uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			processed.Add(a.processOwner(batchCtx, ownerID))
		}(ownerID)
	}

	wg.Wait()
	return processed.Load()
}

func (a *Agent) processOwner(ctx context.Context, ownerID uuid.UUID) int64 {
	tracer := otel.Tracer("worker-agent")
	ctx, span := tracer.Start(ctx, "process_batch",
		trace.WithAttributes(attribute.String("owner.id", ownerID.String())),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	res, err := a.engine.ProcessBatch(ctx, ownerID, a.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Error("batch failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		return 0
	}

	span.SetAttributes(
		attribute.Int("batch.sent", res.Sent),
		attribute.Int("batch.retried", res.Retried),
		attribute.Int("batch.failed", res.Failed),
	)

	if res.TransportDown {
		// Back off instead of hammering an unreachable relay.
		a.logger.Warn("mail transport unavailable", zap.String("owner_id", ownerID.String()))
		return 0
	}
	n := res.Sent + res.Retried + res.Failed
	if n > 0 {
		a.logger.Info("batch processed",
			zap.String("owner_id", ownerID.String()),
			zap.Int("sent", res.Sent),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
		)
	}
	return int64(n)
}
