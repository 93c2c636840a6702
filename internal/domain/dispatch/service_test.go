package dispatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/clock"
	"github.com/ehr/referrals/internal/platform/events"
	"github.com/ehr/referrals/internal/platform/geo"
	"github.com/ehr/referrals/internal/platform/identifier"
	"github.com/ehr/referrals/internal/platform/lock"
	"github.com/ehr/referrals/internal/platform/notification"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	kisumu  = geo.Point{Lat: -0.0917, Lng: 34.7680}
	nairobi = geo.Point{Lat: -1.2921, Lng: 36.8219}
)

type captureEnqueuer struct {
	mu   sync.Mutex
	reqs []*notification.DeliveryRequest
}

func (c *captureEnqueuer) Enqueue(_ context.Context, req *notification.DeliveryRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return nil
}

type fixture struct {
	coord     *Coordinator
	referrals *referral.Service
	claims    *lock.MemoryClaimer
	clock     *clock.Fake
	events    *events.Recorder
	notes     *captureEnqueuer
}

func newFixture() *fixture {
	clk := clock.NewFake(t0)
	ids := identifier.NewGenerator(identifier.NewMemorySequencer(), clk)
	refs := referral.NewService(referral.NewMemoryRepo(), ids, clk, zerolog.Nop())
	claims := lock.NewMemoryClaimer()
	rec := &events.Recorder{}
	notes := &captureEnqueuer{}
	coord := NewCoordinator(NewMemoryRepo(), refs, claims, ids, clk, zerolog.Nop(),
		WithPublisher(rec),
		WithNotifier(notes, notification.NewTemplateEngine()),
	)
	refs.AttachDispatch(coord)
	return &fixture{coord: coord, referrals: refs, claims: claims, clock: clk, events: rec, notes: notes}
}

// acceptedReferral submits and accepts a referral that needs an ambulance.
func (f *fixture) acceptedReferral(t *testing.T) *referral.Referral {
	t.Helper()
	ctx := context.Background()
	r := &referral.Referral{
		Urgency:           referral.UrgencyEmergency,
		Patient:           referral.PatientSnapshot{ID: uuid.NewString(), Age: 54},
		ReferringFacility: "Kisumu District",
		ReferringDoctorID: "dr-a",
		ReceivingFacility: "Nairobi General",
		RequiresTransport: true,
	}
	if err := f.referrals.Submit(ctx, r, "dr-a"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	accepted, err := f.referrals.Respond(ctx, r.ID, referral.ResponseInput{Decision: referral.DecisionAccept, ReceivingDoctorID: "dr-b"}, "dr-b")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return accepted
}

func assignInput(ref uuid.UUID, resource string) AssignInput {
	return AssignInput{
		ReferralID:    ref,
		ResourceID:    resource,
		Crew:          []string{"paramedic-1", "driver-1"},
		Pickup:        kisumu,
		Destination:   nairobi,
		NotifyContact: "+254700000003",
	}
}

func TestAssign(t *testing.T) {
	f := newFixture()
	ref := f.acceptedReferral(t)

	a, err := f.coord.Assign(context.Background(), assignInput(ref.ID, "ambulance-1"), "dispatcher")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Number != "DISP202603020001" {
		t.Errorf("expected DISP202603020001, got %s", a.Number)
	}
	if !a.Active || a.Leg != referral.LegDispatched || !a.DispatchedAt.Equal(t0) {
		t.Errorf("unexpected assignment: %+v", a)
	}
	if a.DistanceKm < 250 || a.DistanceKm > 300 {
		t.Errorf("unexpected distance %.1f km", a.DistanceKm)
	}
	if a.ETASeconds <= 0 {
		t.Errorf("expected positive ETA, got %d", a.ETASeconds)
	}

	stored, _ := f.referrals.Get(context.Background(), ref.ID)
	if stored.Status != referral.StatusInTransit || stored.TransportLeg != referral.LegDispatched {
		t.Errorf("expected referral in transit at dispatched, got %s/%s", stored.Status, stored.TransportLeg)
	}
	if holder, _ := f.claims.Holder(context.Background(), resourceKey("ambulance-1")); holder != a.ID.String() {
		t.Errorf("expected resource claimed by %s, got %q", a.ID, holder)
	}
	if len(f.notes.reqs) != 1 || f.notes.reqs[0].SourceType != "dispatch" {
		t.Errorf("expected dispatch notice, got %+v", f.notes.reqs)
	}
}

func TestAssign_ResourceBusy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.acceptedReferral(t)
	second := f.acceptedReferral(t)

	if _, err := f.coord.Assign(ctx, assignInput(first.ID, "ambulance-1"), "dispatcher"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	_, err := f.coord.Assign(ctx, assignInput(second.ID, "ambulance-1"), "dispatcher")
	if !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("expected ErrResourceBusy, got %v", err)
	}
	stored, _ := f.referrals.Get(ctx, second.ID)
	if stored.Status != referral.StatusAccepted {
		t.Errorf("busy assign must not touch the referral, got %s", stored.Status)
	}
	if holder, _ := f.claims.Holder(ctx, referralKey(second.ID)); holder != "" {
		t.Errorf("busy assign left a referral claim: %s", holder)
	}
}

func TestAssign_ConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	refs := make([]*referral.Referral, 12)
	for i := range refs {
		refs[i] = f.acceptedReferral(t)
	}

	var mu sync.Mutex
	var wins, busy int
	var wg sync.WaitGroup
	for _, r := range refs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.coord.Assign(ctx, assignInput(id, "ambulance-7"), "dispatcher")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrResourceBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(r.ID)
	}
	wg.Wait()
	if wins != 1 || busy != len(refs)-1 {
		t.Errorf("expected 1 win and %d busy, got %d and %d", len(refs)-1, wins, busy)
	}
	active, total, _ := f.coord.List(ctx, Filter{ResourceID: "ambulance-7", ActiveOnly: true}, 10, 0)
	if total != 1 || len(active) != 1 {
		t.Errorf("expected exactly one active assignment, got %d", total)
	}
}

func TestAssign_ReferralNotDispatchable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pending := &referral.Referral{
		Urgency:           referral.UrgencyUrgent,
		Patient:           referral.PatientSnapshot{ID: "p"},
		ReferringFacility: "A",
		ReferringDoctorID: "dr",
		ReceivingFacility: "B",
		RequiresTransport: true,
	}
	f.referrals.Submit(ctx, pending, "dr")
	if _, err := f.coord.Assign(ctx, assignInput(pending.ID, "ambulance-1"), "d"); !errors.Is(err, ErrReferralNotDispatchable) {
		t.Errorf("pending referral: expected ErrReferralNotDispatchable, got %v", err)
	}

	ref := f.acceptedReferral(t)
	if _, err := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "d"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-2"), "d"); !errors.Is(err, ErrReferralNotDispatchable) {
		t.Errorf("second resource: expected ErrReferralNotDispatchable, got %v", err)
	}
	if holder, _ := f.claims.Holder(ctx, resourceKey("ambulance-2")); holder != "" {
		t.Errorf("failed assign left ambulance-2 claimed by %s", holder)
	}

	if _, err := f.coord.Assign(ctx, assignInput(uuid.New(), "ambulance-3"), "d"); !errors.Is(err, referral.ErrNotFound) {
		t.Errorf("unknown referral: expected referral.ErrNotFound, got %v", err)
	}
}

func TestAssign_Validation(t *testing.T) {
	f := newFixture()
	ref := f.acceptedReferral(t)
	in := assignInput(ref.ID, "ambulance-1")
	in.Pickup = geo.Point{Lat: 91}
	if _, err := f.coord.Assign(context.Background(), in, "d"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	in = assignInput(ref.ID, "ambulance-1")
	in.Crew = nil
	if _, err := f.coord.Assign(context.Background(), in, "d"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty crew, got %v", err)
	}
}

func TestAdvanceLeg_FullJourney(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, _ := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")

	for _, leg := range referral.Legs[1:] {
		f.clock.Advance(10 * time.Minute)
		next, err := f.coord.AdvanceLeg(ctx, a.ID, leg, "crew")
		if err != nil {
			t.Fatalf("advance to %s: %v", leg, err)
		}
		if next.Leg != leg {
			t.Errorf("expected leg %s, got %s", leg, next.Leg)
		}
	}

	done, _ := f.coord.Get(ctx, a.ID)
	if done.Active {
		t.Error("expected assignment inactive after arrival")
	}
	if done.ArrivedAt == nil || !done.ArrivedAt.Equal(t0.Add(40*time.Minute)) {
		t.Errorf("expected arrived_at T0+40m, got %v", done.ArrivedAt)
	}
	if done.EnRoutePickupAt == nil || done.AtPickupAt == nil || done.EnRouteDestinationAt == nil {
		t.Errorf("expected every leg stamped: %+v", done)
	}
	stored, _ := f.referrals.Get(ctx, ref.ID)
	if stored.Status != referral.StatusArrived {
		t.Errorf("expected referral arrived, got %s", stored.Status)
	}

	// resource is free again
	other := f.acceptedReferral(t)
	if _, err := f.coord.Assign(ctx, assignInput(other.ID, "ambulance-1"), "dispatcher"); err != nil {
		t.Errorf("expected resource reusable after arrival, got %v", err)
	}
}

func TestAdvanceLeg_OutOfOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, _ := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")

	_, err := f.coord.AdvanceLeg(ctx, a.ID, referral.LegAtPickup, "crew")
	var ilo *InvalidLegOrderError
	if !errors.As(err, &ilo) {
		t.Fatalf("expected InvalidLegOrderError, got %v", err)
	}
	if ilo.Current != referral.LegDispatched || ilo.Expected != referral.LegEnRoutePickup {
		t.Errorf("unexpected error detail: %+v", ilo)
	}
	if _, err := f.coord.AdvanceLeg(ctx, a.ID, referral.LegDispatched, "crew"); !errors.Is(err, ErrInvalidLegOrder) {
		t.Errorf("repeat leg: expected ErrInvalidLegOrder, got %v", err)
	}

	stored, _ := f.coord.Get(ctx, a.ID)
	if stored.Leg != referral.LegDispatched {
		t.Errorf("failed advance mutated leg to %s", stored.Leg)
	}
}

func TestRelease(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, _ := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")
	f.coord.AdvanceLeg(ctx, a.ID, referral.LegEnRoutePickup, "crew")

	released, err := f.coord.Release(ctx, a.ID, "vehicle breakdown", "dispatcher")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Active || released.ReleasedAt == nil || released.ReleaseReason != "vehicle breakdown" {
		t.Errorf("unexpected release: %+v", released)
	}
	again, err := f.coord.Release(ctx, a.ID, "vehicle breakdown", "dispatcher")
	if err != nil || !again.ReleasedAt.Equal(*released.ReleasedAt) {
		t.Errorf("expected idempotent release, got %v", err)
	}
	if _, err := f.coord.AdvanceLeg(ctx, a.ID, referral.LegAtPickup, "crew"); !errors.Is(err, ErrInactive) {
		t.Errorf("expected ErrInactive after release, got %v", err)
	}

	other := f.acceptedReferral(t)
	if _, err := f.coord.Assign(ctx, assignInput(other.ID, "ambulance-1"), "dispatcher"); err != nil {
		t.Errorf("expected released resource to be reusable, got %v", err)
	}

	stored, _ := f.referrals.Get(ctx, ref.ID)
	if stored.Status != referral.StatusInTransit {
		t.Errorf("release must not move the referral, got %s", stored.Status)
	}
}

func TestRelease_AfterArrival(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, _ := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")
	for _, leg := range referral.Legs[1:] {
		f.coord.AdvanceLeg(ctx, a.ID, leg, "crew")
	}
	if _, err := f.coord.Release(ctx, a.ID, "late recall", "dispatcher"); !errors.Is(err, ErrInactive) {
		t.Errorf("expected ErrInactive, got %v", err)
	}
}

func TestCancelReferral(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, _ := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")

	cancelled, err := f.coord.CancelReferral(ctx, ref.ID, "patient deceased", "dr-a")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != referral.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	released, _ := f.coord.Get(ctx, a.ID)
	if released.Active || released.ReleasedAt == nil {
		t.Errorf("expected assignment released, got %+v", released)
	}
	if holder, _ := f.claims.Holder(ctx, resourceKey("ambulance-1")); holder != "" {
		t.Errorf("expected resource free, held by %s", holder)
	}
}

func TestEstimate(t *testing.T) {
	f := newFixture()
	d, eta := f.coord.Estimate(geo.Point{Lat: 0, Lng: 0}, geo.Point{Lat: 0, Lng: 1})
	if math.Abs(d-111.19) > 0.5 {
		t.Errorf("expected ~111.19 km, got %.3f", d)
	}
	if eta < 110*time.Minute || eta > 112*time.Minute {
		t.Errorf("expected ~111 minutes at 60 km/h, got %v", eta)
	}
}

func TestEvents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, _ := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")
	f.coord.AdvanceLeg(ctx, a.ID, referral.LegEnRoutePickup, "crew")

	subjects := f.events.Subjects()
	want := []string{"dispatch.assigned", "dispatch.en_route_pickup"}
	if len(subjects) != len(want) {
		t.Fatalf("expected %v, got %v", want, subjects)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], subjects[i])
		}
	}
}

func TestReferralCancel_ReleasesAssignment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, err := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	cancelled, err := f.referrals.Cancel(ctx, ref.ID, "patient transferred by family", "dr-a")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != referral.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	stored, _ := f.coord.Get(ctx, a.ID)
	if stored.Active || stored.ReleasedAt == nil {
		t.Errorf("expected assignment released, got %+v", stored)
	}
	if holder, _ := f.claims.Holder(ctx, resourceKey("ambulance-1")); holder != "" {
		t.Errorf("expected resource claim released, held by %q", holder)
	}
	other := f.acceptedReferral(t)
	if _, err := f.coord.Assign(ctx, assignInput(other.ID, "ambulance-1"), "dispatcher"); err != nil {
		t.Errorf("expected ambulance-1 free after cancellation, got %v", err)
	}
}

func TestReferralCancel_InvalidStatusKeepsAssignment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, _ := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")
	for _, leg := range referral.Legs[1:] {
		f.coord.AdvanceLeg(ctx, a.ID, leg, "crew")
	}

	if _, err := f.referrals.Cancel(ctx, ref.ID, "too late", "dr-a"); !errors.Is(err, referral.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for arrived referral, got %v", err)
	}
	stored, _ := f.coord.Get(ctx, a.ID)
	if stored.ReleasedAt != nil {
		t.Error("a refused cancellation must not release the assignment")
	}
}

func TestReferralAdvanceTransport_RefusedWhileDispatched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ref := f.acceptedReferral(t)
	a, _ := f.coord.Assign(ctx, assignInput(ref.ID, "ambulance-1"), "dispatcher")

	if _, err := f.referrals.AdvanceTransport(ctx, ref.ID, referral.LegEnRoutePickup, "crew"); !errors.Is(err, referral.ErrDispatchActive) {
		t.Fatalf("expected ErrDispatchActive, got %v", err)
	}
	if _, err := f.coord.AdvanceLeg(ctx, a.ID, referral.LegEnRoutePickup, "crew"); err != nil {
		t.Errorf("coordinator must still own the legs, got %v", err)
	}
	stored, _ := f.referrals.Get(ctx, ref.ID)
	if stored.TransportLeg != referral.LegEnRoutePickup {
		t.Errorf("expected leg en_route_pickup, got %s", stored.TransportLeg)
	}
}
