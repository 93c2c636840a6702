package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/referrals/internal/platform/clock"
	"github.com/ehr/referrals/internal/platform/lock"
	"github.com/ehr/referrals/internal/platform/metrics"
)

// SchedulerConfig tunes the delivery loop.
type SchedulerConfig struct {
	MaxAttempts     int
	StaleHorizon    time.Duration
	Workers         int
	PollInterval    time.Duration
	BatchSize       int
	ChannelTimeouts map[Channel]time.Duration
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxAttempts:  DefaultMaxAttempts,
		StaleHorizon: time.Hour,
		Workers:      4,
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		ChannelTimeouts: map[Channel]time.Duration{
			ChannelSMS:   10 * time.Second,
			ChannelEmail: 15 * time.Second,
			ChannelPush:  5 * time.Second,
			ChannelVoice: 30 * time.Second,
		},
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	d := DefaultSchedulerConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.StaleHorizon <= 0 {
		c.StaleHorizon = d.StaleHorizon
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	timeouts := make(map[Channel]time.Duration, len(d.ChannelTimeouts))
	for ch, t := range d.ChannelTimeouts {
		timeouts[ch] = t
	}
	for ch, t := range c.ChannelTimeouts {
		if t > 0 {
			timeouts[ch] = t
		}
	}
	c.ChannelTimeouts = timeouts
	return c
}

// Scheduler owns the lifecycle of delivery requests.
type Scheduler struct {
	repo    Repository
	sender  Sender
	clock   clock.Clock
	backoff BackoffPolicy
	cfg     SchedulerConfig
	locks   *lock.KeyedMutex
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// SchedulerOption configures optional Scheduler behaviour.
type SchedulerOption func(*Scheduler)

// WithBackoff replaces the default backoff table.
func WithBackoff(p BackoffPolicy) SchedulerOption {
	return func(s *Scheduler) { s.backoff = p }
}

// WithMetrics records delivery outcomes on m.
func WithMetrics(m *metrics.Recorder) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(repo Repository, sender Sender, clk clock.Clock, cfg SchedulerConfig, logger zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		repo:    repo,
		sender:  sender,
		clock:   clk,
		backoff: DefaultBackoff,
		cfg:     cfg.withDefaults(),
		locks:   lock.NewKeyedMutex(),
		logger:  logger.With().Str("component", "notification-scheduler").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Backoff returns the policy used for retries.
func (s *Scheduler) Backoff() BackoffPolicy { return s.backoff }

// Enqueue validates and stores req. A request scheduled further in the past
// than the stale horizon is stored as failed with reason stale_on_enqueue and
// ErrStaleRequest is returned.
func (s *Scheduler) Enqueue(ctx context.Context, req *DeliveryRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	now := s.clock.Now()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.ScheduledAt.IsZero() {
		req.ScheduledAt = now
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}
	req.Attempts = 0
	req.Status = StatusPending
	req.NextRetryAt = nil
	req.CreatedAt = now
	req.UpdatedAt = now

	stale := req.ScheduledAt.Before(now.Add(-s.cfg.StaleHorizon))
	if stale {
		req.Status = StatusFailed
		req.FailureReason = ReasonStaleOnEnqueue
		req.FailedAt = &now
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return fmt.Errorf("store delivery request: %w", err)
	}
	if stale {
		s.logger.Warn().
			Str("request", req.ID.String()).
			Time("scheduled_at", req.ScheduledAt).
			Msg("rejected stale delivery request")
		s.metrics.Delivery(ctx, string(req.Channel), ReasonStaleOnEnqueue)
		return fmt.Errorf("%s scheduled at %s: %w", req.ID, req.ScheduledAt.Format(time.RFC3339), ErrStaleRequest)
	}
	return nil
}

// Get returns the request stored under id.
func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*DeliveryRequest, error) {
	r, _, err := s.repo.Load(ctx, id)
	return r, err
}

// DueNow returns pending requests whose scheduled time has passed, highest
// priority first and FIFO within a priority.
func (s *Scheduler) DueNow(ctx context.Context) ([]*DeliveryRequest, error) {
	items, err := s.repo.ListDue(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due requests: %w", err)
	}
	SortForDelivery(items)
	return items, nil
}

// RetryEligible returns failed requests whose retry time has passed.
func (s *Scheduler) RetryEligible(ctx context.Context) ([]*DeliveryRequest, error) {
	items, err := s.repo.ListRetryable(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list retryable requests: %w", err)
	}
	return items, nil
}

// Requeue moves a retry-eligible request back to pending so it re-enters the
// due set.
func (s *Scheduler) Requeue(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	cur, version, err := s.repo.Load(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if cur.Status != StatusFailed || cur.NextRetryAt == nil || cur.NextRetryAt.After(now) {
		return fmt.Errorf("%s is %s: %w", id, cur.Status, ErrNotRetryable)
	}
	next := cur.Clone()
	next.Status = StatusPending
	next.NextRetryAt = nil
	next.UpdatedAt = now
	if _, err := s.repo.CompareAndSwap(ctx, version, next); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}

// AttemptDelivery performs one attempt. The request is claimed by moving it
// to sent before the sender runs, so two attempts of the same request never
// overlap. Send failures are recorded on the request, not returned; the
// returned error reports storage problems or a request that was not eligible.
func (s *Scheduler) AttemptDelivery(ctx context.Context, id uuid.UUID) (*DeliveryRequest, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	cur, version, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusPending {
		return cur, fmt.Errorf("%s is %s: %w", id, cur.Status, ErrNotAttemptable)
	}
	now := s.clock.Now()
	if cur.ScheduledAt.After(now) {
		return cur, fmt.Errorf("%s scheduled at %s: %w", id, cur.ScheduledAt.Format(time.RFC3339), ErrNotDue)
	}

	if cur.ExpiresAt != nil && now.After(*cur.ExpiresAt) {
		next := cur.Clone()
		next.Status = StatusExhausted
		next.FailureReason = ReasonWindowExpired
		next.FailedAt = &now
		next.UpdatedAt = now
		if _, err := s.repo.CompareAndSwap(ctx, version, next); err != nil {
			return cur, fmt.Errorf("expire %s: %w", id, err)
		}
		s.metrics.Delivery(ctx, string(next.Channel), ReasonWindowExpired)
		s.logger.Warn().Str("request", id.String()).Msg("delivery window closed before attempt")
		return next, nil
	}

	claimed := cur.Clone()
	claimed.Status = StatusSent
	claimed.LastAttemptAt = &now
	claimed.UpdatedAt = now
	version, err = s.repo.CompareAndSwap(ctx, version, claimed)
	if err != nil {
		return cur, fmt.Errorf("claim %s: %w", id, err)
	}

	receipt, sendErr := s.send(ctx, claimed)

	done := claimed.Clone()
	finished := s.clock.Now()
	done.Attempts++
	done.UpdatedAt = finished
	if sendErr == nil {
		done.Status = StatusDelivered
		done.DeliveredAt = &finished
		done.ProviderMessageID = receipt.ProviderMessageID
		done.LastError = ""
	} else {
		s.recordFailure(done, sendErr, finished)
	}
	if _, err := s.repo.CompareAndSwap(ctx, version, done); err != nil {
		return claimed, fmt.Errorf("record attempt %d of %s: %w", done.Attempts, id, err)
	}

	outcome := string(done.Status)
	s.metrics.Delivery(ctx, string(done.Channel), outcome)
	evt := s.logger.Info()
	if sendErr != nil {
		evt = s.logger.Warn().Err(sendErr)
	}
	evt.Str("request", id.String()).
		Str("channel", string(done.Channel)).
		Int("attempt", done.Attempts).
		Str("status", outcome).
		Msg("delivery attempt finished")
	return done, nil
}

func (s *Scheduler) send(ctx context.Context, r *DeliveryRequest) (DeliveryReceipt, error) {
	timeout := s.cfg.ChannelTimeouts[r.Channel]
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		receipt DeliveryReceipt
		err     error
	}
	// Buffered so a sender that ignores its context can finish after the
	// attempt has been abandoned.
	done := make(chan result, 1)
	ch, recipient, payload := r.Channel, r.Recipient, r.Payload
	go func() {
		receipt, err := s.sender.Send(sendCtx, ch, recipient, payload)
		done <- result{receipt, err}
	}()

	var (
		receipt DeliveryReceipt
		err     error
	)
	select {
	case res := <-done:
		receipt, err = res.receipt, res.err
		if err == nil && sendCtx.Err() != nil {
			err = sendCtx.Err()
		}
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}
	if err != nil {
		return DeliveryReceipt{}, &SendError{
			Channel: r.Channel,
			Attempt: r.Attempts + 1,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}
	return receipt, nil
}

// recordFailure applies a failed attempt whose Attempts counter has already
// been incremented.
func (s *Scheduler) recordFailure(r *DeliveryRequest, cause error, at time.Time) {
	r.LastError = cause.Error()
	r.FailedAt = &at
	if r.Attempts >= r.MaxAttempts {
		r.Status = StatusExhausted
		r.FailureReason = ReasonMaxAttempts
		r.NextRetryAt = nil
		return
	}
	r.Status = StatusFailed
	retry := at.Add(s.backoff.Delay(r.Attempts))
	r.NextRetryAt = &retry
}

// RecoverInFlight fails attempts that have been in flight longer than the
// slowest channel timeout plus grace, which happens when a process dies
// mid-send. Each recovered request is charged one attempt.
func (s *Scheduler) RecoverInFlight(ctx context.Context, grace time.Duration) (int, error) {
	var slowest time.Duration
	for _, t := range s.cfg.ChannelTimeouts {
		if t > slowest {
			slowest = t
		}
	}
	cutoff := s.clock.Now().Add(-(slowest + grace))
	stuck, err := s.repo.ListInFlight(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list in-flight requests: %w", err)
	}
	recovered := 0
	for _, r := range stuck {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if s.recoverOne(ctx, r.ID, cutoff) {
			recovered++
		}
	}
	return recovered, nil
}

func (s *Scheduler) recoverOne(ctx context.Context, id uuid.UUID, cutoff time.Time) bool {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	cur, version, err := s.repo.Load(ctx, id)
	if err != nil || cur.Status != StatusSent || cur.LastAttemptAt == nil || !cur.LastAttemptAt.Before(cutoff) {
		return false
	}
	next := cur.Clone()
	now := s.clock.Now()
	next.Attempts++
	next.UpdatedAt = now
	s.recordFailure(next, errors.New(ReasonAttemptLost), now)
	if _, err := s.repo.CompareAndSwap(ctx, version, next); err != nil {
		s.logger.Warn().Err(err).Str("request", id.String()).Msg("failed to recover in-flight request")
		return false
	}
	s.logger.Warn().Str("request", id.String()).Int("attempt", next.Attempts).Msg("recovered lost delivery attempt")
	return true
}

// FailedNotifications lists exhausted and stale requests for operators.
func (s *Scheduler) FailedNotifications(ctx context.Context, limit, offset int) ([]*DeliveryRequest, int, error) {
	return s.repo.ListFailed(ctx, limit, offset)
}

// ListByRecipient lists requests for one recipient.
func (s *Scheduler) ListByRecipient(ctx context.Context, recipient string, limit, offset int) ([]*DeliveryRequest, int, error) {
	return s.repo.ListByRecipient(ctx, recipient, limit, offset)
}

// Stats counts requests by status.
func (s *Scheduler) Stats(ctx context.Context) (map[Status]int, error) {
	return s.repo.Stats(ctx)
}

// Resubmit enqueues a fresh copy of a terminally failed request, for
// operator-initiated redelivery. The original stays exhausted.
func (s *Scheduler) Resubmit(ctx context.Context, id uuid.UUID) (*DeliveryRequest, error) {
	cur, _, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !(cur.Status == StatusExhausted || (cur.Status == StatusFailed && cur.NextRetryAt == nil)) {
		return nil, fmt.Errorf("%s is %s: %w", id, cur.Status, ErrNotRetryable)
	}
	fresh := &DeliveryRequest{
		Channel:    cur.Channel,
		Recipient:  cur.Recipient,
		Payload:    cur.Clone().Payload,
		Priority:   cur.Priority,
		SourceType: cur.SourceType,
		SourceID:   cur.SourceID,
	}
	if err := s.Enqueue(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// DeliverDue attempts every currently due request once, in order, and
// returns how many attempts were made.
func (s *Scheduler) DeliverDue(ctx context.Context) (int, error) {
	due, err := s.DueNow(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.AttemptDelivery(ctx, r.ID); err != nil {
			s.logger.Debug().Err(err).Str("request", r.ID.String()).Msg("skipped delivery attempt")
			continue
		}
		n++
	}
	return n, nil
}

// Run polls for due requests and hands them to a fixed pool of workers until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan uuid.UUID)
	var queued sync.Map

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			due, err := s.DueNow(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to list due deliveries")
			}
			for _, r := range due {
				if _, busy := queued.LoadOrStore(r.ID, struct{}{}); busy {
					continue
				}
				select {
				case jobs <- r.ID:
				case <-ctx.Done():
					return nil
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for id := range jobs {
				if _, err := s.AttemptDelivery(ctx, id); err != nil && !errors.Is(err, ErrNotAttemptable) {
					s.logger.Error().Err(err).Str("request", id.String()).Msg("delivery attempt failed")
				}
				queued.Delete(id)
			}
			return nil
		})
	}
	s.logger.Info().Int("workers", s.cfg.Workers).Dur("poll_interval", s.cfg.PollInterval).Msg("notification scheduler started")
	err := g.Wait()
	s.logger.Info().Msg("notification scheduler stopped")
	return err
}
