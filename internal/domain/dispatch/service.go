package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/clock"
	"github.com/ehr/referrals/internal/platform/events"
	"github.com/ehr/referrals/internal/platform/geo"
	"github.com/ehr/referrals/internal/platform/identifier"
	"github.com/ehr/referrals/internal/platform/lock"
	"github.com/ehr/referrals/internal/platform/metrics"
	"github.com/ehr/referrals/internal/platform/notification"
)

// Referrals is the part of the referral state machine the coordinator
// drives. *referral.Service satisfies it.
type Referrals interface {
	Get(ctx context.Context, id uuid.UUID) (*referral.Referral, error)
	RecordDispatchLeg(ctx context.Context, id uuid.UUID, leg referral.Leg, actor string) (*referral.Referral, error)
	Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*referral.Referral, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req *notification.DeliveryRequest) error
}

func resourceKey(id string) string    { return "dispatch:resource:" + id }
func referralKey(id uuid.UUID) string { return "dispatch:referral:" + id.String() }

// Coordinator binds transport resources to referrals.
type Coordinator struct {
	repo      Repository
	referrals Referrals
	claims    lock.Claimer
	ids       *identifier.Generator
	clock     clock.Clock
	locks     *lock.KeyedMutex
	speedKmh  float64
	notifier  Enqueuer
	templates *notification.TemplateEngine
	events    events.Publisher
	metrics   *metrics.Recorder
	logger    zerolog.Logger
}

type Option func(*Coordinator)

func WithNotifier(n Enqueuer, templates *notification.TemplateEngine) Option {
	return func(c *Coordinator) {
		c.notifier = n
		c.templates = templates
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSpeed sets the average speed used for ETA estimates.
func WithSpeed(kmh float64) Option {
	return func(c *Coordinator) { c.speedKmh = kmh }
}

func NewCoordinator(repo Repository, referrals Referrals, claims lock.Claimer, ids *identifier.Generator, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:      repo,
		referrals: referrals,
		claims:    claims,
		ids:       ids,
		clock:     clk,
		locks:     lock.NewKeyedMutex(),
		speedKmh:  geo.DefaultSpeedKmh,
		events:    events.Nop{},
		logger:    logger.With().Str("component", "dispatch").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.notifier != nil && c.templates == nil {
		c.templates = notification.NewTemplateEngine()
	}
	return c
}

// AssignInput describes a dispatch request.
type AssignInput struct {
	ReferralID  uuid.UUID `json:"referral_id" validate:"required"`
	ResourceID  string    `json:"resource_id" validate:"required"`
	Crew        []string  `json:"crew" validate:"required,min=1,dive,required"`
	Pickup      geo.Point `json:"pickup"`
	Destination geo.Point `json:"destination"`
	// NotifyContact receives the dispatch notice, usually the pickup ward.
	NotifyContact string `json:"notify_contact"`
}

// Estimate returns the pickup-to-destination distance and travel time.
func (c *Coordinator) Estimate(pickup, destination geo.Point) (float64, time.Duration) {
	d := geo.Haversine(pickup, destination)
	return d, geo.EstimateETA(d, c.speedKmh)
}

// Assign claims the resource and the referral, records the assignment in
// leg dispatched and moves the referral into transit. Both claims are
// test-and-set; nothing is written when either is taken.
func (c *Coordinator) Assign(ctx context.Context, in AssignInput, actor string) (*Assignment, error) {
	if in.ResourceID == "" {
		return nil, fmt.Errorf("%w: resource_id is required", ErrValidation)
	}
	if len(in.Crew) == 0 {
		return nil, fmt.Errorf("%w: crew is required", ErrValidation)
	}
	if err := in.Pickup.Validate(); err != nil {
		return nil, fmt.Errorf("%w: pickup: %v", ErrValidation, err)
	}
	if err := in.Destination.Validate(); err != nil {
		return nil, fmt.Errorf("%w: destination: %v", ErrValidation, err)
	}

	ref, err := c.referrals.Get(ctx, in.ReferralID)
	if err != nil {
		return nil, err
	}
	if ref.Status != referral.StatusAccepted {
		return nil, fmt.Errorf("%s is %s: %w", ref.Number, ref.Status, ErrReferralNotDispatchable)
	}
	if !ref.RequiresTransport {
		return nil, fmt.Errorf("%s: %w: %v", ref.Number, ErrReferralNotDispatchable, referral.ErrTransportNotNeeded)
	}

	id := uuid.New()
	owner := id.String()
	ok, err := c.claims.TryClaim(ctx, resourceKey(in.ResourceID), owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		holder, _ := c.claims.Holder(ctx, resourceKey(in.ResourceID))
		return nil, fmt.Errorf("%s held by assignment %s: %w", in.ResourceID, holder, ErrResourceBusy)
	}
	ok, err = c.claims.TryClaim(ctx, referralKey(ref.ID), owner)
	if err != nil || !ok {
		c.releaseClaims(ctx, in.ResourceID, uuid.Nil, owner)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s already has an active assignment: %w", ref.Number, ErrReferralNotDispatchable)
	}

	a, err := c.create(ctx, id, ref, in, actor)
	if err != nil {
		c.releaseClaims(ctx, in.ResourceID, ref.ID, owner)
		return nil, err
	}

	if _, err := c.referrals.RecordDispatchLeg(ctx, ref.ID, referral.LegDispatched, actor); err != nil {
		c.deactivate(ctx, a.ID, "referral_rejected_dispatch")
		c.releaseClaims(ctx, in.ResourceID, ref.ID, owner)
		return nil, fmt.Errorf("start transport for %s: %w", ref.Number, err)
	}

	c.metrics.Transition(ctx, "dispatch", string(referral.LegDispatched))
	c.publish(ctx, "dispatch.assigned", a, "", actor)
	c.notify(ctx, a, in.NotifyContact, ref)
	c.logger.Info().
		Str("dispatch", a.Number).
		Str("referral", a.ReferralNumber).
		Str("resource", a.ResourceID).
		Float64("distance_km", a.DistanceKm).
		Msg("resource assigned")
	return a, nil
}

func (c *Coordinator) create(ctx context.Context, id uuid.UUID, ref *referral.Referral, in AssignInput, actor string) (*Assignment, error) {
	number, err := c.ids.NextDispatchNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate dispatch number: %w", err)
	}
	now := c.clock.Now()
	dist, eta := c.Estimate(in.Pickup, in.Destination)
	a := &Assignment{
		ID:             id,
		Number:         number,
		ReferralID:     ref.ID,
		ReferralNumber: ref.Number,
		ResourceID:     in.ResourceID,
		Crew:           append([]string(nil), in.Crew...),
		Pickup:         in.Pickup,
		Destination:    in.Destination,
		DistanceKm:     dist,
		ETASeconds:     int64(eta / time.Second),
		Active:         true,
		AssignedBy:     actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	a.stamp(referral.LegDispatched, now)
	if err := c.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("store assignment: %w", err)
	}
	return a, nil
}

// AdvanceLeg moves an active assignment exactly one leg forward and
// propagates the leg into the referral. The final leg frees the resource.
func (c *Coordinator) AdvanceLeg(ctx context.Context, id uuid.UUID, leg referral.Leg, actor string) (*Assignment, error) {
	if !leg.Valid() {
		return nil, fmt.Errorf("%w: unknown leg %q", ErrValidation, leg)
	}
	unlock := c.locks.Lock(id.String())
	defer unlock()

	cur, version, err := c.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.Active {
		return nil, fmt.Errorf("%s: %w", cur.Number, ErrInactive)
	}
	if expected := cur.NextLeg(); leg != expected {
		return nil, &InvalidLegOrderError{Current: cur.Leg, Attempted: leg, Expected: expected}
	}

	if _, err := c.referrals.RecordDispatchLeg(ctx, cur.ReferralID, leg, actor); err != nil {
		return nil, fmt.Errorf("propagate %s to %s: %w", leg, cur.ReferralNumber, err)
	}

	next := cur.Clone()
	now := c.clock.Now()
	next.stamp(leg, now)
	next.UpdatedAt = now
	if leg.Final() {
		next.Active = false
	}
	if _, err := c.repo.CompareAndSwap(ctx, version, next); err != nil {
		return nil, fmt.Errorf("commit assignment %s: %w", cur.Number, err)
	}
	if !next.Active {
		c.releaseClaims(ctx, next.ResourceID, next.ReferralID, next.ID.String())
	}

	c.metrics.Transition(ctx, "dispatch", string(leg))
	c.publish(ctx, "dispatch."+string(leg), next, cur.Leg, actor)
	c.logger.Info().
		Str("dispatch", next.Number).
		Str("from", string(cur.Leg)).
		Str("to", string(leg)).
		Msg("dispatch leg advanced")
	return next, nil
}

// Release recalls the resource before arrival. The referral itself is left
// as it is; callers that are withdrawing the referral use CancelReferral.
// Releasing an already released assignment is a no-op.
func (c *Coordinator) Release(ctx context.Context, id uuid.UUID, reason, actor string) (*Assignment, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: release reason is required", ErrValidation)
	}
	unlock := c.locks.Lock(id.String())
	defer unlock()

	cur, version, err := c.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.ReleasedAt != nil {
		return cur, nil
	}
	if !cur.Active {
		return nil, fmt.Errorf("%s already arrived: %w", cur.Number, ErrInactive)
	}
	next := cur.Clone()
	now := c.clock.Now()
	next.Active = false
	next.ReleasedAt = &now
	next.ReleaseReason = reason
	next.UpdatedAt = now
	if _, err := c.repo.CompareAndSwap(ctx, version, next); err != nil {
		return nil, fmt.Errorf("commit assignment %s: %w", cur.Number, err)
	}
	c.releaseClaims(ctx, next.ResourceID, next.ReferralID, next.ID.String())

	c.metrics.Transition(ctx, "dispatch", "released")
	c.publish(ctx, "dispatch.released", next, cur.Leg, actor)
	c.logger.Info().Str("dispatch", next.Number).Str("reason", reason).Msg("resource released")
	return next, nil
}

// CancelReferral releases the referral's active assignment, if any, and
// cancels the referral.
func (c *Coordinator) CancelReferral(ctx context.Context, referralID uuid.UUID, reason, actor string) (*referral.Referral, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", ErrValidation)
	}
	if err := c.ReleaseForReferral(ctx, referralID, "referral cancelled: "+reason, actor); err != nil {
		return nil, err
	}
	return c.referrals.Cancel(ctx, referralID, reason, actor)
}

// HasActiveAssignment reports whether a resource is currently bound to the
// referral.
func (c *Coordinator) HasActiveAssignment(ctx context.Context, referralID uuid.UUID) (bool, error) {
	_, err := c.ActiveForReferral(ctx, referralID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ReleaseForReferral releases the referral's active assignment. It is a
// no-op when there is none.
func (c *Coordinator) ReleaseForReferral(ctx context.Context, referralID uuid.UUID, reason, actor string) error {
	active, err := c.ActiveForReferral(ctx, referralID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := c.Release(ctx, active.ID, reason, actor); err != nil && !errors.Is(err, ErrInactive) {
		return err
	}
	return nil
}

// deactivate marks a freshly created assignment inactive after the referral
// refused the dispatch.
func (c *Coordinator) deactivate(ctx context.Context, id uuid.UUID, reason string) {
	cur, version, err := c.repo.Load(ctx, id)
	if err != nil {
		c.logger.Error().Err(err).Str("assignment", id.String()).Msg("failed to load assignment for rollback")
		return
	}
	now := c.clock.Now()
	cur.Active = false
	cur.ReleasedAt = &now
	cur.ReleaseReason = reason
	cur.UpdatedAt = now
	if _, err := c.repo.CompareAndSwap(ctx, version, cur); err != nil {
		c.logger.Error().Err(err).Str("assignment", cur.Number).Msg("failed to roll back assignment")
	}
}

func (c *Coordinator) releaseClaims(ctx context.Context, resourceID string, referralID uuid.UUID, owner string) {
	if err := c.claims.Release(ctx, resourceKey(resourceID), owner); err != nil {
		c.logger.Error().Err(err).Str("resource", resourceID).Msg("failed to release resource claim")
	}
	if referralID == uuid.Nil {
		return
	}
	if err := c.claims.Release(ctx, referralKey(referralID), owner); err != nil {
		c.logger.Error().Err(err).Str("referral", referralID.String()).Msg("failed to release referral claim")
	}
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, _, err := c.repo.Load(ctx, id)
	return a, err
}

func (c *Coordinator) GetByNumber(ctx context.Context, number string) (*Assignment, error) {
	return c.repo.GetByNumber(ctx, number)
}

func (c *Coordinator) List(ctx context.Context, f Filter, limit, offset int) ([]*Assignment, int, error) {
	return c.repo.List(ctx, f, limit, offset)
}

// ActiveForResource returns the resource's active assignment.
func (c *Coordinator) ActiveForResource(ctx context.Context, resourceID string) (*Assignment, error) {
	items, _, err := c.repo.List(ctx, Filter{ResourceID: resourceID, ActiveOnly: true}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}
	return items[0], nil
}

// ActiveForReferral returns the referral's active assignment.
func (c *Coordinator) ActiveForReferral(ctx context.Context, referralID uuid.UUID) (*Assignment, error) {
	items, _, err := c.repo.List(ctx, Filter{ReferralID: referralID, ActiveOnly: true}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("referral %s: %w", referralID, ErrNotFound)
	}
	return items[0], nil
}

func (c *Coordinator) publish(ctx context.Context, subject string, a *Assignment, from referral.Leg, actor string) {
	e := events.Event{
		Subject:    subject,
		EntityType: "dispatch",
		EntityID:   a.ID.String(),
		Number:     a.Number,
		From:       string(from),
		To:         string(a.Leg),
		Actor:      actor,
		OccurredAt: a.UpdatedAt,
		Attributes: map[string]string{
			"referral": a.ReferralNumber,
			"resource": a.ResourceID,
		},
	}
	if err := c.events.Publish(ctx, e); err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish dispatch event")
	}
}

func (c *Coordinator) notify(ctx context.Context, a *Assignment, recipient string, ref *referral.Referral) {
	if c.notifier == nil || recipient == "" {
		return
	}
	eta := a.DispatchedAt.Add(time.Duration(a.ETASeconds) * time.Second)
	payload, err := c.templates.Payload(notification.TemplateDispatchAssigned, map[string]string{
		"resource":        a.ResourceID,
		"dispatch_number": a.Number,
		"number":          a.ReferralNumber,
		"eta":             eta.Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to render dispatch notification")
		return
	}
	req := &notification.DeliveryRequest{
		Channel:    notification.ChannelSMS,
		Recipient:  recipient,
		Payload:    payload,
		Priority:   ref.Priority,
		SourceType: "dispatch",
		SourceID:   a.ID.String(),
	}
	if err := c.notifier.Enqueue(ctx, req); err != nil {
		c.logger.Error().Err(err).Str("dispatch", a.Number).Msg("failed to enqueue dispatch notification")
	}
}
