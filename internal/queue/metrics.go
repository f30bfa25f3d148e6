package queue

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sent         metric.Int64Counter
	failed       metric.Int64Counter
	retried      metric.Int64Counter
	recovered    metric.Int64Counter
	sendDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter("bulkmail/queue")
	}

	var (
		m   metrics
		err error
	)

	if m.sent, err = meter.Int64Counter("mailq.jobs.sent",
		metric.WithDescription("Jobs accepted by the relay")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("mailq.jobs.failed",
		metric.WithDescription("Jobs moved to failed")); err != nil {
		return nil, err
	}
	if m.retried, err = meter.Int64Counter("mailq.jobs.retried",
		metric.WithDescription("Jobs rescheduled after a transient failure")); err != nil {
		return nil, err
	}
	if m.recovered, err = meter.Int64Counter("mailq.jobs.recovered",
		metric.WithDescription("Processing jobs returned to pending after their lock expired")); err != nil {
		return nil, err
	}
	if m.sendDuration, err = meter.Float64Histogram("mailq.send.duration",
		metric.WithDescription("Time spent in one send attempt"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}

	return &m, nil
}
