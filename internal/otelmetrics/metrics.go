// Package otelmetrics holds ticketd's OpenTelemetry metric instruments:
// queue depth, claim duration, worker spawn duration, and outcome counts by
// command kind. It is a narrowed, domain-specific descendant of the
// teacher's internal/otel package, which also wired distributed tracing and
// OTLP/stdout span exporters ticketd's scheduling surface has no use for.
package otelmetrics

import "go.opentelemetry.io/otel/metric"

// Metrics holds every instrument the scheduler reports to.
type Metrics struct {
	QueueDepth        metric.Int64UpDownCounter
	ClaimDuration     metric.Float64Histogram
	WorkerSpawnLatency metric.Float64Histogram
	OutcomesTotal     metric.Int64Counter
	SweepStuckFound   metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("ticketd.queue.depth",
		metric.WithDescription("Number of tasks currently queued per project/stage"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimDuration, err = meter.Float64Histogram("ticketd.claim.duration",
		metric.WithDescription("Time a claim is held before release, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerSpawnLatency, err = meter.Float64Histogram("ticketd.worker.spawn_duration",
		metric.WithDescription("Worker subprocess wall-clock duration, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OutcomesTotal, err = meter.Int64Counter("ticketd.outcomes.total",
		metric.WithDescription("Completion outcomes processed, by command kind"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepStuckFound, err = meter.Int64Counter("ticketd.sweep.stuck_found",
		metric.WithDescription("Stuck claims reported by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
