package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	r.Publish(ctx, Event{Subject: "referral.accepted", EntityID: "1", OccurredAt: time.Now()})
	r.Publish(ctx, Event{Subject: "referral.in_transit", EntityID: "1", OccurredAt: time.Now()})

	subjects := r.Subjects()
	if len(subjects) != 2 || subjects[0] != "referral.accepted" || subjects[1] != "referral.in_transit" {
		t.Errorf("unexpected subjects: %v", subjects)
	}

	evs := r.Events()
	evs[0].Subject = "changed"
	if r.Events()[0].Subject != "referral.accepted" {
		t.Error("Events must return a copy")
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Publish(context.Background(), Event{}); err != nil {
		t.Errorf("Nop returned error: %v", err)
	}
}

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	boom := errors.New("nats down")
	m := Multi{a, failing{boom}, b}

	err := m.Publish(context.Background(), Event{Subject: "followup.escalated"})
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Error("every publisher must receive the event")
	}
	if err := (Multi{a}).Publish(context.Background(), Event{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
