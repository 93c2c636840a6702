package referral

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/platform/clock"
	"github.com/ehr/referrals/internal/platform/events"
	"github.com/ehr/referrals/internal/platform/identifier"
	"github.com/ehr/referrals/internal/platform/lock"
	"github.com/ehr/referrals/internal/platform/metrics"
	"github.com/ehr/referrals/internal/platform/notification"
)

// SystemActor is recorded for transitions made by the engine itself.
const SystemActor = "system"

// referralTransitions defines the legal status edges.
var referralTransitions = map[Status][]Status{
	StatusPending:   {StatusAccepted, StatusRejected, StatusExpired},
	StatusAccepted:  {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusArrived, StatusCancelled},
	StatusArrived:   {StatusCompleted},
	StatusRejected:  {},
	StatusExpired:   {},
	StatusCancelled: {},
	StatusCompleted: {},
}

// AllowedTransitions returns the statuses reachable from s in one step.
func AllowedTransitions(s Status) []Status {
	allowed := referralTransitions[s]
	out := make([]Status, len(allowed))
	copy(out, allowed)
	return out
}

// ValidateTransition returns an *InvalidTransitionError unless from → to is
// a legal edge.
func ValidateTransition(from, to Status) error {
	for _, s := range referralTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, Attempted: to, Allowed: AllowedTransitions(from)}
}

// Enqueuer accepts outbound notifications.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *notification.DeliveryRequest) error
}

// Dispatch is the transport side of a referral, implemented by the dispatch
// coordinator. Cancellation releases the active assignment through it, and
// manual leg updates are refused while an assignment is active.
type Dispatch interface {
	HasActiveAssignment(ctx context.Context, referralID uuid.UUID) (bool, error)
	ReleaseForReferral(ctx context.Context, referralID uuid.UUID, reason, actor string) error
}

// Service is the referral state machine. Transitions on one referral are
// serialized; transitions on different referrals run in parallel. Every
// transition is applied to a copy and committed with compare-and-swap, so a
// failed transition leaves the stored referral untouched.
type Service struct {
	repo      Repository
	ids       *identifier.Generator
	clock     clock.Clock
	locks     *lock.KeyedMutex
	notifier  Enqueuer
	templates *notification.TemplateEngine
	events    events.Publisher
	metrics   *metrics.Recorder
	dispatch  Dispatch
	logger    zerolog.Logger
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithNotifier enqueues a message to the affected party on each transition.
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

func NewService(repo Repository, ids *identifier.Generator, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		ids:    ids,
		clock:  clk,
		locks:  lock.NewKeyedMutex(),
		events: events.Nop{},
		logger: logger.With().Str("component", "referral").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.notifier != nil && s.templates == nil {
		s.templates = notification.NewTemplateEngine()
	}
	return s
}

// AttachDispatch connects the dispatch coordinator. It must be called before
// the service handles requests.
func (s *Service) AttachDispatch(d Dispatch) {
	s.dispatch = d
}

// errUnchanged aborts a mutation without writing and without error.
var errUnchanged = errors.New("unchanged")

// mutate loads a referral under its lock, applies fn to a copy and commits
// the copy. It returns the status before fn ran and the committed referral.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(r *Referral, now time.Time) error) (Status, *Referral, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	cur, version, err := s.repo.Load(ctx, id)
	if err != nil {
		return "", nil, err
	}
	next := cur.Clone()
	now := s.clock.Now()
	if err := fn(next, now); err != nil {
		if errors.Is(err, errUnchanged) {
			return cur.Status, cur, nil
		}
		return cur.Status, nil, err
	}
	next.UpdatedAt = now
	if _, err := s.repo.CompareAndSwap(ctx, version, next); err != nil {
		return cur.Status, nil, fmt.Errorf("commit referral %s: %w", cur.Number, err)
	}
	return cur.Status, next, nil
}

// Submit validates r, assigns its number, deadline and priority, and stores
// it as pending.
func (s *Service) Submit(ctx context.Context, r *Referral, actor string) error {
	if r.Urgency == "" {
		return validationError("urgency is required")
	}
	window, ok := Window(r.Urgency)
	if !ok {
		return validationError("unknown urgency %q", r.Urgency)
	}
	if r.Patient.ID == "" {
		return validationError("patient.id is required")
	}
	if err := validatePatient(r.Patient); err != nil {
		return err
	}
	if r.ReferringFacility == "" || r.ReceivingFacility == "" {
		return validationError("referring_facility and receiving_facility are required")
	}
	if r.ReferringDoctorID == "" {
		return validationError("referring_doctor_id is required")
	}

	if r.Patient.MRN == "" {
		mrn, err := s.ids.NextMRN(ctx)
		if err != nil {
			return fmt.Errorf("allocate MRN: %w", err)
		}
		r.Patient.MRN = mrn
	}
	number, err := s.ids.NextReferralNumber(ctx)
	if err != nil {
		return fmt.Errorf("allocate referral number: %w", err)
	}
	now := s.clock.Now()
	*r = Referral{
		ID:                uuid.New(),
		Number:            number,
		Urgency:           r.Urgency,
		Priority:          Priority(r.Urgency, r.Patient),
		Status:            StatusPending,
		Patient:           r.Patient,
		Reason:            r.Reason,
		ReferringFacility: r.ReferringFacility,
		ReferringDoctorID: r.ReferringDoctorID,
		ReferringContact:  r.ReferringContact,
		ReceivingFacility: r.ReceivingFacility,
		ReceivingContact:  r.ReceivingContact,
		RequiresTransport: r.RequiresTransport,
		RequiresBed:       r.RequiresBed,
		Deadline:          now.Add(window),
		SubmittedAt:       now,
		SubmittedBy:       actor,
		Annotations:       r.Annotations,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return fmt.Errorf("store referral: %w", err)
	}
	s.afterTransition(ctx, "", r, actor)
	return nil
}

// validatePatient checks the snapshot fields every stored referral relies on.
// An empty MRN is allowed here; Submit allocates one.
func validatePatient(p PatientSnapshot) error {
	if p.Age < 0 || p.Age > 150 {
		return validationError("patient.age %d out of range", p.Age)
	}
	if p.MRN != "" {
		if _, _, err := identifier.ParseMRN(p.MRN); err != nil {
			return validationError("patient.mrn: %v", err)
		}
	}
	return nil
}

// ResponseInput is the receiving side's answer.
type ResponseInput struct {
	Decision          Decision `json:"decision" validate:"required,oneof=accept reject"`
	ReceivingDoctorID string   `json:"receiving_doctor_id" validate:"required_if=Decision accept"`
	Reason            string   `json:"reason"`
}

// Respond records an accept or reject on a pending referral. Past the
// deadline it fails with ErrDeadlineExceeded; the referral must be expired
// instead.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, in ResponseInput, actor string) (*Referral, error) {
	var target Status
	switch in.Decision {
	case DecisionAccept:
		target = StatusAccepted
	case DecisionReject:
		target = StatusRejected
	default:
		return nil, validationError("decision must be accept or reject")
	}

	from, r, err := s.mutate(ctx, id, func(r *Referral, now time.Time) error {
		if err := ValidateTransition(r.Status, target); err != nil {
			return err
		}
		if now.After(r.Deadline) {
			return fmt.Errorf("%s deadline %s: %w", r.Number, r.Deadline.Format(time.RFC3339), ErrDeadlineExceeded)
		}
		if target == StatusAccepted && in.ReceivingDoctorID == "" {
			return validationError("receiving_doctor_id is required to accept")
		}
		latency := int64(now.Sub(r.SubmittedAt) / time.Second)
		r.Status = target
		r.RespondedAt = &now
		r.RespondedBy = actor
		r.ResponseLatencySeconds = &latency
		if target == StatusAccepted {
			r.ReceivingDoctorID = in.ReceivingDoctorID
			r.AcceptedAt = &now
		} else {
			r.RejectedAt = &now
			r.RejectionReason = in.Reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ResponseLatency(ctx, string(r.Urgency), float64(*r.ResponseLatencySeconds))
	s.afterTransition(ctx, from, r, actor)
	return r, nil
}

// Expire moves a pending referral past its deadline to expired. Expiring an
// already expired referral is a no-op.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (*Referral, error) {
	from, r, err := s.mutate(ctx, id, func(r *Referral, now time.Time) error {
		if r.Status == StatusExpired {
			return errUnchanged
		}
		if err := ValidateTransition(r.Status, StatusExpired); err != nil {
			return err
		}
		if !now.After(r.Deadline) {
			return fmt.Errorf("%s deadline %s: %w", r.Number, r.Deadline.Format(time.RFC3339), ErrDeadlineNotReached)
		}
		r.Status = StatusExpired
		r.ExpiredAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != r.Status {
		s.afterTransition(ctx, from, r, SystemActor)
	}
	return r, nil
}

// AdvanceTransport records a transport leg reported outside dispatch, e.g. a
// relative driving the patient. While a dispatch assignment is active the
// legs belong to it and ErrDispatchActive is returned.
func (s *Service) AdvanceTransport(ctx context.Context, id uuid.UUID, leg Leg, actor string) (*Referral, error) {
	if s.dispatch != nil {
		active, err := s.dispatch.HasActiveAssignment(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check dispatch for %s: %w", id, err)
		}
		if active {
			return nil, fmt.Errorf("referral %s: %w", id, ErrDispatchActive)
		}
	}
	return s.RecordDispatchLeg(ctx, id, leg, actor)
}

// RecordDispatchLeg applies a transport leg. The first leg moves an accepted
// referral to in_transit; the arrived leg moves it to arrived. The dispatch
// coordinator calls it directly for the assignment it owns.
func (s *Service) RecordDispatchLeg(ctx context.Context, id uuid.UUID, leg Leg, actor string) (*Referral, error) {
	if !leg.Valid() {
		return nil, validationError("unknown transport leg %q", leg)
	}
	from, r, err := s.mutate(ctx, id, func(r *Referral, now time.Time) error {
		if !r.RequiresTransport {
			return fmt.Errorf("%s: %w", r.Number, ErrTransportNotNeeded)
		}
		target := StatusInTransit
		if leg.Final() {
			target = StatusArrived
		}
		if r.Status != StatusInTransit || target != StatusInTransit {
			if err := ValidateTransition(r.Status, target); err != nil {
				return err
			}
		}
		if leg.Index() <= r.TransportLeg.Index() {
			return validationError("leg %s does not follow %s", leg, r.TransportLeg)
		}
		if r.Status != target {
			r.Status = target
			if target == StatusInTransit {
				r.InTransitAt = &now
			} else {
				r.ArrivedAt = &now
			}
		}
		r.TransportLeg = leg
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, from, r, actor)
	return r, nil
}

// Complete closes an arrived referral with its clinical outcome.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, outcome, actor string) (*Referral, error) {
	from, r, err := s.mutate(ctx, id, func(r *Referral, now time.Time) error {
		if err := ValidateTransition(r.Status, StatusCompleted); err != nil {
			return err
		}
		r.Status = StatusCompleted
		r.CompletedAt = &now
		r.Outcome = outcome
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, from, r, actor)
	return r, nil
}

// Cancel withdraws an accepted or in-transit referral. A referral that needs
// transport has its active dispatch assignment released first, so the
// resource is free again before the referral is closed.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*Referral, error) {
	if reason == "" {
		return nil, validationError("cancellation reason is required")
	}
	if s.dispatch != nil {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.RequiresTransport {
			if err := ValidateTransition(cur.Status, StatusCancelled); err != nil {
				return nil, err
			}
			if err := s.dispatch.ReleaseForReferral(ctx, id, "referral cancelled: "+reason, actor); err != nil {
				return nil, fmt.Errorf("release transport for %s: %w", cur.Number, err)
			}
		}
	}
	from, r, err := s.mutate(ctx, id, func(r *Referral, now time.Time) error {
		if err := ValidateTransition(r.Status, StatusCancelled); err != nil {
			return err
		}
		r.Status = StatusCancelled
		r.CancelledAt = &now
		r.CancellationReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, from, r, actor)
	return r, nil
}

// Annotate appends a soft note. It is allowed in every status.
func (s *Service) Annotate(ctx context.Context, id uuid.UUID, kind, note, actor string) (*Referral, error) {
	if note == "" {
		return nil, validationError("note is required")
	}
	if kind == "" {
		kind = AnnotationNote
	}
	_, r, err := s.mutate(ctx, id, func(r *Referral, now time.Time) error {
		r.Annotations = append(r.Annotations, Annotation{Kind: kind, Note: note, Actor: actor, CreatedAt: now})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{
		Subject:    "referral.annotated",
		EntityType: "referral",
		EntityID:   r.ID.String(),
		Number:     r.Number,
		To:         string(r.Status),
		Actor:      actor,
		OccurredAt: r.UpdatedAt,
		Attributes: map[string]string{"kind": kind},
	})
	return r, nil
}

// RecomputePriority refreshes the stored priority, optionally replacing the
// patient snapshot first. Closed referrals keep their final priority.
func (s *Service) RecomputePriority(ctx context.Context, id uuid.UUID, patient *PatientSnapshot) (*Referral, error) {
	if patient != nil {
		if err := validatePatient(*patient); err != nil {
			return nil, err
		}
	}
	_, r, err := s.mutate(ctx, id, func(r *Referral, _ time.Time) error {
		if r.Status.Terminal() {
			if patient != nil {
				return fmt.Errorf("%s is %s: %w", r.Number, r.Status, ErrClosed)
			}
			return errUnchanged
		}
		if patient != nil {
			snap := *patient
			if snap.ID == "" {
				snap.ID = r.Patient.ID
			}
			if snap.MRN == "" {
				snap.MRN = r.Patient.MRN
			}
			r.Patient = snap
		}
		p := Priority(r.Urgency, r.Patient)
		if p == r.Priority && patient == nil {
			return errUnchanged
		}
		r.Priority = p
		return nil
	})
	return r, err
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Referral, error) {
	r, _, err := s.repo.Load(ctx, id)
	return r, err
}

func (s *Service) GetByNumber(ctx context.Context, number string) (*Referral, error) {
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Referral, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// QueryDue returns pending referrals whose deadline passed before the given
// time.
func (s *Service) QueryDue(ctx context.Context, before time.Time, limit int) ([]*Referral, error) {
	return s.repo.QueryDue(ctx, before, limit)
}

func (s *Service) afterTransition(ctx context.Context, from Status, r *Referral, actor string) {
	if from != r.Status {
		s.metrics.Transition(ctx, "referral", string(r.Status))
		s.notify(ctx, r)
	}
	s.publish(ctx, events.Event{
		Subject:    "referral." + string(r.Status),
		EntityType: "referral",
		EntityID:   r.ID.String(),
		Number:     r.Number,
		From:       string(from),
		To:         string(r.Status),
		Actor:      actor,
		OccurredAt: r.UpdatedAt,
		Attributes: map[string]string{
			"urgency":  string(r.Urgency),
			"priority": strconv.Itoa(r.Priority),
			"leg":      string(r.TransportLeg),
		},
	})
	s.logger.Info().
		Str("referral", r.Number).
		Str("from", string(from)).
		Str("to", string(r.Status)).
		Str("actor", actor).
		Msg("referral transition")
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("subject", e.Subject).Msg("failed to publish referral event")
	}
}

// ChannelFor picks the delivery channel for messages about a referral.
func ChannelFor(u Urgency) notification.Channel {
	switch u {
	case UrgencyEmergency, UrgencyUrgent:
		return notification.ChannelSMS
	}
	return notification.ChannelEmail
}

func (s *Service) notify(ctx context.Context, r *Referral) {
	if s.notifier == nil {
		return
	}
	var tpl, recipient, reason string
	switch r.Status {
	case StatusPending:
		tpl, recipient, reason = notification.TemplateReferralSubmitted, r.ReceivingContact, r.Reason
	case StatusAccepted:
		tpl, recipient = notification.TemplateReferralAccepted, r.ReferringContact
	case StatusRejected:
		tpl, recipient, reason = notification.TemplateReferralRejected, r.ReferringContact, r.RejectionReason
	case StatusExpired:
		tpl, recipient = notification.TemplateReferralExpired, r.ReferringContact
	case StatusCancelled:
		tpl, recipient, reason = notification.TemplateReferralCancelled, r.ReceivingContact, r.CancellationReason
	default:
		return
	}
	if recipient == "" {
		return
	}
	payload, err := s.templates.Payload(tpl, map[string]string{
		"number":             r.Number,
		"urgency":            string(r.Urgency),
		"referring_facility": r.ReferringFacility,
		"receiving_facility": r.ReceivingFacility,
		"deadline":           r.Deadline.Format(time.RFC3339),
		"reason":             reason,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("template", tpl).Msg("failed to render referral notification")
		return
	}
	req := &notification.DeliveryRequest{
		Channel:    ChannelFor(r.Urgency),
		Recipient:  recipient,
		Payload:    payload,
		Priority:   r.Priority,
		SourceType: "referral",
		SourceID:   r.ID.String(),
	}
	if r.Status == StatusPending {
		deadline := r.Deadline
		req.ExpiresAt = &deadline
	}
	if err := s.notifier.Enqueue(ctx, req); err != nil {
		s.logger.Error().Err(err).Str("referral", r.Number).Str("template", tpl).Msg("failed to enqueue referral notification")
	}
}
