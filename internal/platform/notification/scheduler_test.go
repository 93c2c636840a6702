package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/platform/clock"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestScheduler(cfg SchedulerConfig) (*Scheduler, *clock.Fake, *MockSender) {
	clk := clock.NewFake(t0)
	sender := &MockSender{}
	s := NewScheduler(NewMemoryRepo(), sender, clk, cfg, zerolog.Nop())
	return s, clk, sender
}

func smsRequest(priority int) *DeliveryRequest {
	return &DeliveryRequest{
		Channel:   ChannelSMS,
		Recipient: "+15551234567",
		Payload:   Payload{Body: "Referral REF202603000001 awaits your response"},
		Priority:  priority,
	}
}

func mustEnqueue(t *testing.T, s *Scheduler, r *DeliveryRequest) *DeliveryRequest {
	t.Helper()
	if err := s.Enqueue(context.Background(), r); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return r
}

func TestEnqueue_Defaults(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})
	r := mustEnqueue(t, s, smsRequest(0))

	if r.ID == uuid.Nil {
		t.Error("ID should be assigned")
	}
	if r.Status != StatusPending {
		t.Errorf("status = %q, want pending", r.Status)
	}
	if !r.ScheduledAt.Equal(t0) {
		t.Errorf("scheduled_at = %v, want %v", r.ScheduledAt, t0)
	}
	if r.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("max_attempts = %d, want %d", r.MaxAttempts, DefaultMaxAttempts)
	}
	if r.Seq == 0 {
		t.Error("seq should be assigned by the repository")
	}
}

func TestEnqueue_Invalid(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})
	cases := []*DeliveryRequest{
		{Channel: "fax", Recipient: "x", Payload: Payload{Body: "b"}},
		{Channel: ChannelSMS, Payload: Payload{Body: "b"}},
		{Channel: ChannelSMS, Recipient: "x"},
	}
	for _, r := range cases {
		if err := s.Enqueue(context.Background(), r); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest for %+v, got %v", r, err)
		}
	}
}

func TestEnqueue_StaleIsRecordedAsFailed(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{StaleHorizon: time.Hour})
	r := smsRequest(0)
	r.ScheduledAt = t0.Add(-2 * time.Hour)

	err := s.Enqueue(context.Background(), r)
	if !errors.Is(err, ErrStaleRequest) {
		t.Fatalf("expected ErrStaleRequest, got %v", err)
	}
	got, err := s.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("stale request must be stored: %v", err)
	}
	if got.Status != StatusFailed || got.FailureReason != ReasonStaleOnEnqueue || got.NextRetryAt != nil {
		t.Errorf("unexpected stale record: %+v", got)
	}

	failed, total, _ := s.FailedNotifications(context.Background(), 10, 0)
	if total != 1 || failed[0].ID != r.ID {
		t.Errorf("stale request should surface in failed notifications, got %d", total)
	}
	retry, _ := s.RetryEligible(context.Background())
	if len(retry) != 0 {
		t.Error("stale request must never become retry eligible")
	}
}

func TestEnqueue_WithinHorizonIsAccepted(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{StaleHorizon: time.Hour})
	r := smsRequest(0)
	r.ScheduledAt = t0.Add(-30 * time.Minute)
	mustEnqueue(t, s, r)
	if r.Status != StatusPending {
		t.Errorf("status = %q, want pending", r.Status)
	}
}

func TestDueNow_PriorityThenFIFO(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})
	low1 := mustEnqueue(t, s, smsRequest(25))
	high := mustEnqueue(t, s, smsRequest(100))
	low2 := mustEnqueue(t, s, smsRequest(25))
	future := smsRequest(100)
	future.ScheduledAt = t0.Add(time.Minute)
	mustEnqueue(t, s, future)

	due, err := s.DueNow(context.Background())
	if err != nil {
		t.Fatalf("DueNow: %v", err)
	}
	want := []uuid.UUID{high.ID, low1.ID, low2.ID}
	if len(due) != len(want) {
		t.Fatalf("got %d due requests, want %d", len(due), len(want))
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Errorf("due[%d] = %s, want %s", i, due[i].ID, id)
		}
	}
}

func TestAttemptDelivery_Success(t *testing.T) {
	s, _, sender := newTestScheduler(SchedulerConfig{})
	r := mustEnqueue(t, s, smsRequest(0))

	got, err := s.AttemptDelivery(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("AttemptDelivery: %v", err)
	}
	if got.Status != StatusDelivered || got.Attempts != 1 || got.DeliveredAt == nil {
		t.Errorf("unexpected result: %+v", got)
	}
	if got.ProviderMessageID == "" {
		t.Error("provider message id should be recorded")
	}
	if calls := sender.Calls(); len(calls) != 1 || calls[0].Recipient != r.Recipient {
		t.Errorf("unexpected sender calls: %+v", calls)
	}
}

func TestAttemptDelivery_ThreeFailures(t *testing.T) {
	s, clk, sender := newTestScheduler(SchedulerConfig{})
	sender.FailTimes = 10
	ctx := context.Background()
	r := mustEnqueue(t, s, smsRequest(0))

	var got *DeliveryRequest
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		got, err = s.AttemptDelivery(ctx, r.ID)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if attempt == 3 {
			break
		}
		clk.Set(*got.NextRetryAt)
		eligible, _ := s.RetryEligible(ctx)
		if len(eligible) != 1 {
			t.Fatalf("attempt %d: expected request to be retry eligible", attempt)
		}
		if err := s.Requeue(ctx, r.ID); err != nil {
			t.Fatalf("Requeue: %v", err)
		}
	}

	thirdFailure := clk.Now()
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(thirdFailure.Add(45*time.Minute)) {
		t.Errorf("next_retry_at = %v, want %v", got.NextRetryAt, thirdFailure.Add(45*time.Minute))
	}
	if !strings.Contains(got.LastError, "gateway unavailable") {
		t.Errorf("last_error = %q", got.LastError)
	}
}

func TestAttemptDelivery_ExhaustsAtCeiling(t *testing.T) {
	s, clk, sender := newTestScheduler(SchedulerConfig{})
	sender.ShouldFail = true
	ctx := context.Background()
	r := smsRequest(0)
	r.MaxAttempts = 2
	mustEnqueue(t, s, r)

	got, _ := s.AttemptDelivery(ctx, r.ID)
	clk.Set(*got.NextRetryAt)
	if err := s.Requeue(ctx, r.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, err := s.AttemptDelivery(ctx, r.ID)
	if err != nil {
		t.Fatalf("AttemptDelivery: %v", err)
	}
	if got.Status != StatusExhausted || got.Attempts != 2 || got.NextRetryAt != nil {
		t.Errorf("unexpected result: %+v", got)
	}
	if got.FailureReason != ReasonMaxAttempts {
		t.Errorf("failure_reason = %q", got.FailureReason)
	}

	if _, err := s.AttemptDelivery(ctx, r.ID); !errors.Is(err, ErrNotAttemptable) {
		t.Errorf("exhausted request must not be attempted again, got %v", err)
	}
	if err := s.Requeue(ctx, r.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("exhausted request must not be requeued, got %v", err)
	}
	if len(sender.Calls()) != 2 {
		t.Errorf("sender called %d times, want 2", len(sender.Calls()))
	}
}

func TestAttemptDelivery_TimeoutCountsAsFailure(t *testing.T) {
	s, _, sender := newTestScheduler(SchedulerConfig{
		ChannelTimeouts: map[Channel]time.Duration{ChannelSMS: 10 * time.Millisecond},
	})
	sender.Delay = time.Second
	r := mustEnqueue(t, s, smsRequest(0))

	got, err := s.AttemptDelivery(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("AttemptDelivery: %v", err)
	}
	if got.Status != StatusFailed || got.Attempts != 1 {
		t.Errorf("unexpected result: %+v", got)
	}
	if !strings.Contains(got.LastError, "timed out") {
		t.Errorf("last_error = %q, want timeout", got.LastError)
	}
}

func TestAttemptDelivery_TimeoutBoundsSenderIgnoringContext(t *testing.T) {
	released := make(chan struct{})
	defer close(released)
	stuck := SenderFunc(func(context.Context, Channel, string, Payload) (DeliveryReceipt, error) {
		select {
		case <-released:
		case <-time.After(2 * time.Second):
		}
		return DeliveryReceipt{ProviderMessageID: "late"}, nil
	})
	s := NewScheduler(NewMemoryRepo(), stuck, clock.NewFake(t0), SchedulerConfig{
		ChannelTimeouts: map[Channel]time.Duration{ChannelSMS: 50 * time.Millisecond},
	}, zerolog.Nop())
	r := mustEnqueue(t, s, smsRequest(0))

	start := time.Now()
	got, err := s.AttemptDelivery(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("AttemptDelivery: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("attempt took %s, want it bounded by the channel timeout", elapsed)
	}
	if got.Status != StatusFailed || got.Attempts != 1 {
		t.Errorf("unexpected result: %+v", got)
	}
	if !strings.Contains(got.LastError, "timed out") {
		t.Errorf("last_error = %q, want timeout", got.LastError)
	}
}

func TestAttemptDelivery_NotDue(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})
	r := smsRequest(0)
	r.ScheduledAt = t0.Add(time.Hour)
	mustEnqueue(t, s, r)
	if _, err := s.AttemptDelivery(context.Background(), r.ID); !errors.Is(err, ErrNotDue) {
		t.Fatalf("expected ErrNotDue, got %v", err)
	}
}

func TestAttemptDelivery_WindowExpired(t *testing.T) {
	s, clk, sender := newTestScheduler(SchedulerConfig{})
	r := smsRequest(0)
	expires := t0.Add(10 * time.Minute)
	r.ExpiresAt = &expires
	mustEnqueue(t, s, r)
	clk.Advance(11 * time.Minute)

	got, err := s.AttemptDelivery(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("AttemptDelivery: %v", err)
	}
	if got.Status != StatusExhausted || got.FailureReason != ReasonWindowExpired {
		t.Errorf("unexpected result: %+v", got)
	}
	if len(sender.Calls()) != 0 {
		t.Error("sender must not be called after the window closed")
	}
}

func TestAttemptDelivery_ConcurrentCallsNeverOverlap(t *testing.T) {
	s, _, sender := newTestScheduler(SchedulerConfig{})
	sender.Delay = 20 * time.Millisecond
	r := mustEnqueue(t, s, smsRequest(0))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AttemptDelivery(context.Background(), r.ID)
		}()
	}
	wg.Wait()

	if n := len(sender.Calls()); n != 1 {
		t.Fatalf("sender called %d times, want 1", n)
	}
	got, _ := s.Get(context.Background(), r.ID)
	if got.Attempts != 1 || got.Status != StatusDelivered {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestRecoverInFlight(t *testing.T) {
	s, clk, _ := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()
	r := mustEnqueue(t, s, smsRequest(0))

	cur, version, _ := s.repo.Load(ctx, r.ID)
	cur.Status = StatusSent
	started := clk.Now()
	cur.LastAttemptAt = &started
	if _, err := s.repo.CompareAndSwap(ctx, version, cur); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}

	if n, _ := s.RecoverInFlight(ctx, time.Minute); n != 0 {
		t.Fatalf("recovered %d requests before the cutoff", n)
	}
	clk.Advance(5 * time.Minute)
	n, err := s.RecoverInFlight(ctx, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("RecoverInFlight = %d, %v", n, err)
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Status != StatusFailed || got.Attempts != 1 || got.NextRetryAt == nil {
		t.Errorf("unexpected recovered request: %+v", got)
	}
}

func TestResubmit(t *testing.T) {
	s, _, sender := newTestScheduler(SchedulerConfig{})
	sender.ShouldFail = true
	ctx := context.Background()
	r := smsRequest(50)
	r.MaxAttempts = 1
	mustEnqueue(t, s, r)
	_, _ = s.AttemptDelivery(ctx, r.ID)

	fresh, err := s.Resubmit(ctx, r.ID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if fresh.ID == r.ID || fresh.Status != StatusPending || fresh.Payload.Body != r.Payload.Body {
		t.Errorf("unexpected resubmitted request: %+v", fresh)
	}
	orig, _ := s.Get(ctx, r.ID)
	if orig.Status != StatusExhausted {
		t.Errorf("original should stay exhausted, got %q", orig.Status)
	}

	pending := mustEnqueue(t, s, smsRequest(0))
	if _, err := s.Resubmit(ctx, pending.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable for pending request, got %v", err)
	}
}

func TestRun_DeliversDueRequests(t *testing.T) {
	s, _, sender := newTestScheduler(SchedulerConfig{Workers: 3, PollInterval: 5 * time.Millisecond})
	for i := 0; i < 6; i++ {
		mustEnqueue(t, s, smsRequest(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, _ := s.Stats(context.Background())
		if stats[StatusDelivered] == 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	stats, _ := s.Stats(context.Background())
	if stats[StatusDelivered] != 6 {
		t.Fatalf("delivered %d of 6", stats[StatusDelivered])
	}
	if n := len(sender.Calls()); n != 6 {
		t.Errorf("sender called %d times, want 6", n)
	}
}
