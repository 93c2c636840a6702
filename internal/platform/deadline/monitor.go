// Package deadline runs the periodic sweep that enforces time-based rules:
// unanswered referrals expire, overdue follow-ups are reminded or escalated,
// and failed deliveries whose backoff has elapsed go back on the queue.
package deadline

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/domain/followup"
	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/clock"
	"github.com/ehr/referrals/internal/platform/metrics"
	"github.com/ehr/referrals/internal/platform/notification"
)

type Referrals interface {
	QueryDue(ctx context.Context, before time.Time, limit int) ([]*referral.Referral, error)
	Expire(ctx context.Context, id uuid.UUID) (*referral.Referral, error)
}

type FollowUps interface {
	QueryOverdue(ctx context.Context, before time.Time, limit int) ([]*followup.Record, error)
	ProcessOverdue(ctx context.Context, id uuid.UUID) (followup.OverdueOutcome, error)
}

type Deliveries interface {
	RetryEligible(ctx context.Context) ([]*notification.DeliveryRequest, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	RecoverInFlight(ctx context.Context, grace time.Duration) (int, error)
}

// Config tunes the sweep.
type Config struct {
	Interval      time.Duration
	BatchSize     int
	InFlightGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		BatchSize:     200,
		InFlightGrace: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.InFlightGrace <= 0 {
		c.InFlightGrace = d.InFlightGrace
	}
	return c
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Expired   int           `json:"expired"`
	Reminded  int           `json:"reminded"`
	Escalated int           `json:"escalated"`
	Requeued  int           `json:"requeued"`
	Recovered int           `json:"recovered"`
	Errors    int           `json:"errors"`
}

func (r SweepReport) empty() bool {
	return r.Expired+r.Reminded+r.Escalated+r.Requeued+r.Recovered+r.Errors == 0
}

// Monitor sweeps the stores it is given. Any of them may be nil.
type Monitor struct {
	referrals  Referrals
	followups  FollowUps
	deliveries Deliveries
	clock      clock.Clock
	cfg        Config
	metrics    *metrics.Recorder
	logger     zerolog.Logger
}

type Option func(*Monitor)

func WithReferrals(r Referrals) Option {
	return func(m *Monitor) { m.referrals = r }
}

func WithFollowUps(f FollowUps) Option {
	return func(m *Monitor) { m.followups = f }
}

func WithDeliveries(d Deliveries) Option {
	return func(m *Monitor) { m.deliveries = d }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Monitor) { m.metrics = r }
}

func NewMonitor(clk clock.Clock, cfg Config, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		clock:  clk,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "deadline-monitor").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Sweep runs one pass over all stores. Per-entity failures are logged and
// counted; the pass continues. The only error returned is ctx's.
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{StartedAt: m.clock.Now()}
	defer func() {
		rep.Duration = m.clock.Now().Sub(rep.StartedAt)
	}()

	steps := []func(context.Context, *SweepReport) error{
		m.expireReferrals,
		m.processFollowUps,
		m.requeueDeliveries,
	}
	for _, step := range steps {
		if err := step(ctx, &rep); err != nil {
			return rep, err
		}
	}

	m.metrics.Swept(ctx, "referral_expired", rep.Expired)
	m.metrics.Swept(ctx, "followup_reminded", rep.Reminded)
	m.metrics.Swept(ctx, "followup_escalated", rep.Escalated)
	m.metrics.Swept(ctx, "delivery_requeued", rep.Requeued+rep.Recovered)

	ev := m.logger.Debug()
	if !rep.empty() {
		ev = m.logger.Info()
	}
	ev.Int("expired", rep.Expired).
		Int("reminded", rep.Reminded).
		Int("escalated", rep.Escalated).
		Int("requeued", rep.Requeued).
		Int("recovered", rep.Recovered).
		Int("errors", rep.Errors).
		Msg("deadline sweep finished")
	return rep, nil
}

func (m *Monitor) expireReferrals(ctx context.Context, rep *SweepReport) error {
	if m.referrals == nil {
		return nil
	}
	due, err := m.referrals.QueryDue(ctx, m.clock.Now(), m.cfg.BatchSize)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to query due referrals")
		rep.Errors++
		return nil
	}
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := m.referrals.Expire(ctx, r.ID)
		switch {
		case err == nil:
			rep.Expired++
		case errors.Is(err, referral.ErrInvalidTransition), errors.Is(err, referral.ErrDeadlineNotReached):
			// Answered or otherwise moved on since the query.
			m.logger.Debug().Err(err).Str("referral", r.Number).Msg("skipped expiry")
		default:
			m.logger.Error().Err(err).Str("referral", r.Number).Msg("failed to expire referral")
			rep.Errors++
		}
		runtime.Gosched()
	}
	return nil
}

func (m *Monitor) processFollowUps(ctx context.Context, rep *SweepReport) error {
	if m.followups == nil {
		return nil
	}
	overdue, err := m.followups.QueryOverdue(ctx, m.clock.Now(), m.cfg.BatchSize)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to query overdue follow-ups")
		rep.Errors++
		return nil
	}
	for _, r := range overdue {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := m.followups.ProcessOverdue(ctx, r.ID)
		if err != nil {
			m.logger.Error().Err(err).Str("followup", r.ID.String()).Msg("failed to process overdue follow-up")
			rep.Errors++
		}
		switch out {
		case followup.OverdueReminded:
			rep.Reminded++
		case followup.OverdueEscalated:
			rep.Escalated++
		}
		runtime.Gosched()
	}
	return nil
}

func (m *Monitor) requeueDeliveries(ctx context.Context, rep *SweepReport) error {
	if m.deliveries == nil {
		return nil
	}
	recovered, err := m.deliveries.RecoverInFlight(ctx, m.cfg.InFlightGrace)
	rep.Recovered += recovered
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.logger.Error().Err(err).Msg("failed to recover in-flight deliveries")
		rep.Errors++
	}

	eligible, err := m.deliveries.RetryEligible(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list retry-eligible deliveries")
		rep.Errors++
		return nil
	}
	for _, r := range eligible {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.deliveries.Requeue(ctx, r.ID)
		switch {
		case err == nil:
			rep.Requeued++
		case errors.Is(err, notification.ErrNotRetryable):
			m.logger.Debug().Err(err).Str("request", r.ID.String()).Msg("skipped requeue")
		default:
			m.logger.Error().Err(err).Str("request", r.ID.String()).Msg("failed to requeue delivery")
			rep.Errors++
		}
		runtime.Gosched()
	}
	return nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("deadline monitor started")
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Info().Msg("deadline monitor stopped")
			return nil
		}
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("deadline monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}
