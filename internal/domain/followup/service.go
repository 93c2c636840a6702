package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/clock"
	"github.com/ehr/referrals/internal/platform/events"
	"github.com/ehr/referrals/internal/platform/lock"
	"github.com/ehr/referrals/internal/platform/metrics"
	"github.com/ehr/referrals/internal/platform/notification"
)

// EscalationPriority is the delivery priority of escalation messages.
const EscalationPriority = 100

// ReferralAnnotator records escalations on the originating referral.
// *referral.Service satisfies it.
type ReferralAnnotator interface {
	Annotate(ctx context.Context, id uuid.UUID, kind, note, actor string) (*referral.Referral, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req *notification.DeliveryRequest) error
}

// Config tunes overdue handling.
type Config struct {
	// EscalateAfter is how long past its schedule a pending follow-up may
	// stay unanswered before it escalates.
	EscalateAfter time.Duration
	// DefaultTarget receives escalations for records without a clinician
	// contact.
	DefaultTarget string
}

func (c Config) withDefaults() Config {
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 48 * time.Hour
	}
	return c
}

// Service evaluates follow-ups and escalates them. Updates to one record are
// serialized and committed with compare-and-swap.
type Service struct {
	repo      Repository
	clock     clock.Clock
	cfg       Config
	locks     *lock.KeyedMutex
	referrals ReferralAnnotator
	notifier  Enqueuer
	templates *notification.TemplateEngine
	events    events.Publisher
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

type Option func(*Service)

func WithReferrals(r ReferralAnnotator) Option {
	return func(s *Service) { s.referrals = r }
}

func WithNotifier(n Enqueuer, templates *notification.TemplateEngine) Option {
	return func(s *Service) {
		s.notifier = n
		s.templates = templates
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(repo Repository, clk clock.Clock, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		clock:  clk,
		cfg:    cfg.withDefaults(),
		locks:  lock.NewKeyedMutex(),
		events: events.Nop{},
		logger: logger.With().Str("component", "followup").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.notifier != nil && s.templates == nil {
		s.templates = notification.NewTemplateEngine()
	}
	return s
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func validateQuestions(qs []Question) error {
	if len(qs) == 0 {
		return validationError("at least one question is required")
	}
	seen := make(map[string]bool, len(qs))
	for _, q := range qs {
		if q.ID == "" {
			return validationError("question id is required")
		}
		if seen[q.ID] {
			return validationError("duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
		if !q.Category.Valid() {
			return validationError("question %s: unknown category %q", q.ID, q.Category)
		}
	}
	return nil
}

// Schedule stores a new pending follow-up.
func (s *Service) Schedule(ctx context.Context, r *Record, actor string) error {
	if r.PatientID == "" {
		return validationError("patient_id is required")
	}
	if r.ScheduledAt.IsZero() {
		return validationError("scheduled_at is required")
	}
	if err := validateQuestions(r.Questions); err != nil {
		return err
	}
	now := s.clock.Now()
	r.ID = uuid.New()
	r.Status = StatusPending
	r.Responses = nil
	r.CompletedAt = nil
	r.RiskScore = baseScore
	r.RedFlags = nil
	r.ComplianceScore = nil
	r.Escalated = false
	r.EscalatedAt = nil
	r.ReminderSentAt = nil
	r.SuccessorID = nil
	r.CreatedBy = actor
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.repo.Create(ctx, r); err != nil {
		return fmt.Errorf("store follow-up: %w", err)
	}
	s.publish(ctx, "followup.scheduled", r, actor, nil)
	return nil
}

var errUnchanged = errors.New("unchanged")

func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(r *Record, now time.Time) error) (*Record, bool, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	cur, version, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	next := cur.Clone()
	now := s.clock.Now()
	if err := fn(next, now); err != nil {
		if errors.Is(err, errUnchanged) {
			return cur, false, nil
		}
		return nil, false, err
	}
	next.UpdatedAt = now
	if _, err := s.repo.CompareAndSwap(ctx, version, next); err != nil {
		return nil, false, fmt.Errorf("commit follow-up %s: %w", id, err)
	}
	return next, true, nil
}

// ResponsesInput carries answers keyed by question ID.
type ResponsesInput struct {
	Responses      map[string]Answer `json:"responses" validate:"required"`
	NextFollowUpAt *time.Time        `json:"next_follow_up_at"`
}

// RecordResponses merges answers into the record, recomputes every derived
// field and completes the record. It escalates when the new assessment
// requires it and spawns the successor follow-up when a next date is set.
//
// Answers that cannot be scored are rejected with ErrValidation, but the
// usable answers are kept and the record is escalated for clinical review.
func (s *Service) RecordResponses(ctx context.Context, id uuid.UUID, in ResponsesInput, actor string) (*Record, error) {
	if len(in.Responses) == 0 {
		return nil, validationError("responses are required")
	}
	var (
		successor *Record
		scoreErr  error
	)
	rec, _, err := s.mutate(ctx, id, func(r *Record, now time.Time) error {
		successor, scoreErr = nil, nil
		merged := make(map[string]Answer, len(r.Responses)+len(in.Responses))
		for k, v := range r.Responses {
			merged[k] = v
		}
		for k, v := range in.Responses {
			merged[k] = v.clone()
		}
		a, err := Score(r.Questions, merged)
		if err != nil {
			scoreErr = err
			merged = usableAnswers(r.Questions, merged)
			if a, err = Score(r.Questions, merged); err != nil {
				return fmt.Errorf("%w: %w", ErrValidation, err)
			}
			r.Responses = merged
			r.RiskScore = a.Score
			r.RedFlags = a.RedFlags
			return nil
		}
		r.Responses = merged
		r.RiskScore = a.Score
		r.RedFlags = a.RedFlags
		if r.Status != StatusCompleted {
			r.Status = StatusCompleted
			r.CompletedAt = &now
		}
		compliance := Compliance(r, now)
		r.ComplianceScore = &compliance
		if in.NextFollowUpAt != nil {
			r.NextFollowUpAt = cloneTime(in.NextFollowUpAt)
		}
		if r.NextFollowUpAt != nil && r.SuccessorID == nil {
			successor = s.successorOf(r, now, actor)
			r.SuccessorID = &successor.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if scoreErr != nil {
		return s.escalateUnscored(ctx, rec, scoreErr)
	}

	s.metrics.Transition(ctx, "followup", string(rec.Status))
	s.publish(ctx, "followup.completed", rec, actor, map[string]string{
		"risk_score": fmt.Sprintf("%.1f", rec.RiskScore),
	})

	if successor != nil {
		if err := s.repo.Create(ctx, successor); err != nil {
			s.logger.Error().Err(err).Str("followup", rec.ID.String()).Msg("failed to store successor follow-up")
			rec = s.dropSuccessor(ctx, rec, successor.ID)
		} else {
			s.publish(ctx, "followup.scheduled", successor, actor, nil)
		}
	}

	if trigger, ok := EscalationTrigger(Assessment{Score: rec.RiskScore, RedFlags: rec.RedFlags}, nil); ok && !rec.Escalated {
		escalated, err := s.escalate(ctx, id, "", reasonFor(trigger, rec.RedFlags), trigger, referral.SystemActor)
		if err != nil {
			return rec, fmt.Errorf("escalate follow-up %s: %w", id, err)
		}
		rec = escalated
	}
	return rec, nil
}

// escalateUnscored escalates a record whose answers failed scoring and
// returns the scoring failure as a validation error.
func (s *Service) escalateUnscored(ctx context.Context, rec *Record, scoreErr error) (*Record, error) {
	s.logger.Error().Err(scoreErr).Str("followup", rec.ID.String()).Msg("failed to score follow-up; escalating")
	invalid := fmt.Errorf("%w: %w", ErrValidation, scoreErr)
	if rec.Escalated {
		return rec, invalid
	}
	reason := fmt.Sprintf("%s: %v", reasonFor(TriggerScoringError, nil), scoreErr)
	escalated, err := s.escalate(ctx, rec.ID, "", reason, TriggerScoringError, referral.SystemActor)
	if err != nil {
		return rec, errors.Join(invalid, fmt.Errorf("escalate follow-up %s: %w", rec.ID, err))
	}
	return escalated, invalid
}

// dropSuccessor clears a successor pointer whose record was never stored.
func (s *Service) dropSuccessor(ctx context.Context, rec *Record, successorID uuid.UUID) *Record {
	cleared, _, err := s.mutate(ctx, rec.ID, func(r *Record, _ time.Time) error {
		if r.SuccessorID == nil || *r.SuccessorID != successorID {
			return errUnchanged
		}
		r.SuccessorID = nil
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("followup", rec.ID.String()).Msg("failed to clear successor pointer")
		return rec
	}
	return cleared
}

func (s *Service) successorOf(r *Record, now time.Time, actor string) *Record {
	pred := r.ID
	return &Record{
		ID:               uuid.New(),
		PatientID:        r.PatientID,
		PatientName:      r.PatientName,
		PatientContact:   r.PatientContact,
		ReferralID:       r.ReferralID,
		ClinicianID:      r.ClinicianID,
		ClinicianContact: r.ClinicianContact,
		ScheduledAt:      *r.NextFollowUpAt,
		Status:           StatusPending,
		Questions:        append([]Question(nil), r.Questions...),
		RiskScore:        baseScore,
		NeedsReminder:    r.NeedsReminder,
		PredecessorID:    &pred,
		CreatedBy:        actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func reasonFor(trigger string, flags []RedFlag) string {
	switch trigger {
	case TriggerCritical:
		var critical []string
		for _, f := range flags {
			if f.Critical {
				critical = append(critical, f.Label)
			}
		}
		return "critical red flag: " + strings.Join(critical, "; ")
	case TriggerScore:
		return "risk score above threshold"
	case TriggerFlagCount:
		return fmt.Sprintf("%d red flags", len(flags))
	case TriggerScoringError:
		return "risk could not be scored"
	}
	return trigger
}

// Escalate flags the record for clinical review and notifies target. An
// already escalated record is returned unchanged.
func (s *Service) Escalate(ctx context.Context, id uuid.UUID, target, reason, actor string) (*Record, error) {
	if reason == "" {
		return nil, validationError("reason is required")
	}
	return s.escalate(ctx, id, target, reason, TriggerManual, actor)
}

func (s *Service) escalate(ctx context.Context, id uuid.UUID, target, reason, trigger, actor string) (*Record, error) {
	rec, changed, err := s.mutate(ctx, id, func(r *Record, now time.Time) error {
		if r.Escalated {
			return errUnchanged
		}
		to := target
		if to == "" {
			to = r.ClinicianContact
		}
		if to == "" {
			to = s.cfg.DefaultTarget
		}
		if to == "" {
			return validationError("no escalation target for follow-up %s", r.ID)
		}
		r.Escalated = true
		r.EscalatedAt = &now
		r.EscalationTarget = to
		r.EscalationReason = reason
		r.EscalatedBy = actor
		return nil
	})
	if err != nil || !changed {
		return rec, err
	}

	s.metrics.Escalation(ctx, trigger)
	s.publish(ctx, "followup.escalated", rec, actor, map[string]string{
		"trigger": trigger,
		"target":  rec.EscalationTarget,
	})
	s.notifyEscalation(ctx, rec)
	s.annotateReferral(ctx, rec, actor)
	s.logger.Warn().
		Str("followup", rec.ID.String()).
		Str("patient", rec.PatientID).
		Str("trigger", trigger).
		Strs("red_flags", Labels(rec.RedFlags)).
		Msg("follow-up escalated")
	return rec, nil
}

// OverdueOutcome says what ProcessOverdue did.
type OverdueOutcome string

const (
	OverdueNone      OverdueOutcome = "none"
	OverdueReminded  OverdueOutcome = "reminded"
	OverdueEscalated OverdueOutcome = "escalated"
)

// ProcessOverdue handles a pending follow-up past its schedule: it escalates
// when partial answers already trip the risk rules or the grace period has
// run out, and otherwise sends one reminder. Repeated calls are safe.
func (s *Service) ProcessOverdue(ctx context.Context, id uuid.UUID) (OverdueOutcome, error) {
	rec, _, err := s.repo.Load(ctx, id)
	if err != nil {
		return OverdueNone, err
	}
	now := s.clock.Now()
	if rec.Status != StatusPending || rec.Escalated || !now.After(rec.ScheduledAt) {
		return OverdueNone, nil
	}

	if len(rec.Responses) > 0 {
		a, scoreErr := Score(rec.Questions, rec.Responses)
		if trigger, ok := EscalationTrigger(a, scoreErr); ok {
			if scoreErr != nil {
				s.logger.Error().Err(scoreErr).Str("followup", rec.ID.String()).Msg("failed to score follow-up; escalating")
			}
			if _, err := s.escalate(ctx, id, "", reasonFor(trigger, a.RedFlags), trigger, referral.SystemActor); err != nil {
				return OverdueNone, err
			}
			return OverdueEscalated, nil
		}
	}

	if overdue := now.Sub(rec.ScheduledAt); overdue > s.cfg.EscalateAfter {
		reason := fmt.Sprintf("no response %s after schedule", overdue.Truncate(time.Minute))
		if _, err := s.escalate(ctx, id, "", reason, TriggerOverdue, referral.SystemActor); err != nil {
			return OverdueNone, err
		}
		return OverdueEscalated, nil
	}

	if !rec.NeedsReminder || rec.ReminderSentAt != nil {
		return OverdueNone, nil
	}
	reminded, changed, err := s.mutate(ctx, id, func(r *Record, now time.Time) error {
		if r.ReminderSentAt != nil || r.Status != StatusPending {
			return errUnchanged
		}
		r.ReminderSentAt = &now
		return nil
	})
	if err != nil {
		return OverdueNone, err
	}
	if !changed {
		return OverdueNone, nil
	}
	s.notifyReminder(ctx, reminded)
	s.publish(ctx, "followup.reminded", reminded, referral.SystemActor, nil)
	return OverdueReminded, nil
}

// QueryOverdue returns follow-ups the deadline monitor should look at:
// those still owed a reminder at before and those whose grace period has
// run out.
func (s *Service) QueryOverdue(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	return s.repo.QueryOverdue(ctx, OverdueQuery{
		Before:         before,
		EscalateBefore: before.Add(-s.cfg.EscalateAfter),
	}, limit)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, _, err := s.repo.Load(ctx, id)
	return r, err
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) publish(ctx context.Context, subject string, r *Record, actor string, attrs map[string]string) {
	e := events.Event{
		Subject:    subject,
		EntityType: "followup",
		EntityID:   r.ID.String(),
		To:         string(r.Status),
		Actor:      actor,
		OccurredAt: r.UpdatedAt,
		Attributes: attrs,
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish follow-up event")
	}
}

func (s *Service) notifyEscalation(ctx context.Context, r *Record) {
	if s.notifier == nil {
		return
	}
	flags := strings.Join(Labels(r.RedFlags), ", ")
	if flags == "" {
		flags = "none"
	}
	patient := r.PatientName
	if patient == "" {
		patient = r.PatientID
	}
	payload, err := s.templates.Payload(notification.TemplateFollowUpEscalation, map[string]string{
		"patient":   patient,
		"followup":  r.ID.String(),
		"reason":    r.EscalationReason,
		"red_flags": flags,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to render escalation notification")
		return
	}
	req := &notification.DeliveryRequest{
		Channel:    notification.ChannelSMS,
		Recipient:  r.EscalationTarget,
		Payload:    payload,
		Priority:   EscalationPriority,
		SourceType: "followup",
		SourceID:   r.ID.String(),
	}
	if err := s.notifier.Enqueue(ctx, req); err != nil {
		s.logger.Error().Err(err).Str("followup", r.ID.String()).Msg("failed to enqueue escalation notification")
	}
}

func (s *Service) notifyReminder(ctx context.Context, r *Record) {
	if s.notifier == nil || r.PatientContact == "" {
		return
	}
	payload, err := s.templates.Payload(notification.TemplateFollowUpReminder, map[string]string{
		"scheduled_at": r.ScheduledAt.Format("2006-01-02 15:04"),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to render reminder notification")
		return
	}
	req := &notification.DeliveryRequest{
		Channel:    notification.ChannelSMS,
		Recipient:  r.PatientContact,
		Payload:    payload,
		SourceType: "followup",
		SourceID:   r.ID.String(),
	}
	if err := s.notifier.Enqueue(ctx, req); err != nil {
		s.logger.Error().Err(err).Str("followup", r.ID.String()).Msg("failed to enqueue reminder")
	}
}

func (s *Service) annotateReferral(ctx context.Context, r *Record, actor string) {
	if s.referrals == nil || r.ReferralID == nil {
		return
	}
	note := fmt.Sprintf("follow-up %s escalated to %s: %s", r.ID, r.EscalationTarget, r.EscalationReason)
	if _, err := s.referrals.Annotate(ctx, *r.ReferralID, referral.AnnotationEscalation, note, actor); err != nil {
		s.logger.Error().Err(err).Str("followup", r.ID.String()).Msg("failed to annotate referral with escalation")
	}
}
