package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestRecorder_NoopProvider(t *testing.T) {
	r, err := New(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	r.Transition(ctx, "referral", "accepted")
	r.Delivery(ctx, "sms", "delivered")
	r.Escalation(ctx, "critical_flag")
	r.Swept(ctx, "referral_expired", 3)
	r.ResponseLatency(ctx, "emergency", 42)
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	r.Transition(ctx, "referral", "accepted")
	r.Delivery(ctx, "sms", "failed")
	r.Escalation(ctx, "score")
	r.Swept(ctx, "retry", 1)
	r.ResponseLatency(ctx, "routine", 1)
}

func TestGlobal(t *testing.T) {
	if _, err := Global(); err != nil {
		t.Fatalf("Global: %v", err)
	}
}
