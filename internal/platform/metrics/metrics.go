// Package metrics records engine counters through the OpenTelemetry metric
// API. Without a configured MeterProvider the global no-op provider is used,
// so recording is always safe. A nil *Recorder is also valid and records
// nothing.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/ehr/referrals"

// Recorder holds the engine's instruments.
type Recorder struct {
	transitions metric.Int64Counter
	deliveries  metric.Int64Counter
	escalations metric.Int64Counter
	swept       metric.Int64Counter
	latency     metric.Float64Histogram
}

// New builds a Recorder on meter.
func New(meter metric.Meter) (*Recorder, error) {
	transitions, err := meter.Int64Counter("referral.transitions",
		metric.WithDescription("State transitions applied, by entity and target state"))
	if err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	deliveries, err := meter.Int64Counter("notification.deliveries",
		metric.WithDescription("Delivery attempt outcomes by channel"))
	if err != nil {
		return nil, fmt.Errorf("create deliveries counter: %w", err)
	}
	escalations, err := meter.Int64Counter("followup.escalations",
		metric.WithDescription("Follow-up escalations raised"))
	if err != nil {
		return nil, fmt.Errorf("create escalations counter: %w", err)
	}
	swept, err := meter.Int64Counter("deadline.swept",
		metric.WithDescription("Entities handled by the deadline monitor, by kind"))
	if err != nil {
		return nil, fmt.Errorf("create sweep counter: %w", err)
	}
	latency, err := meter.Float64Histogram("referral.response_latency",
		metric.WithDescription("Time from submission to accept/reject"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	return &Recorder{
		transitions: transitions,
		deliveries:  deliveries,
		escalations: escalations,
		swept:       swept,
		latency:     latency,
	}, nil
}

// Global builds a Recorder on the global MeterProvider.
func Global() (*Recorder, error) {
	return New(otel.Meter(instrumentationName))
}

func (r *Recorder) Transition(ctx context.Context, entity, to string) {
	if r == nil {
		return
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("to", to),
	))
}

func (r *Recorder) Delivery(ctx context.Context, channel, outcome string) {
	if r == nil {
		return
	}
	r.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

func (r *Recorder) Escalation(ctx context.Context, trigger string) {
	if r == nil {
		return
	}
	r.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

func (r *Recorder) Swept(ctx context.Context, kind string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.swept.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

func (r *Recorder) ResponseLatency(ctx context.Context, urgency string, seconds float64) {
	if r == nil {
		return
	}
	r.latency.Record(ctx, seconds, metric.WithAttributes(attribute.String("urgency", urgency)))
}
