package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/geo"
)

// Assignment binds one transport resource to one referral. While Active,
// neither the resource nor the referral can be bound again.
type Assignment struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Number         string    `db:"number" json:"number"`
	ReferralID     uuid.UUID `db:"referral_id" json:"referral_id"`
	ReferralNumber string    `db:"referral_number" json:"referral_number"`
	ResourceID     string    `db:"resource_id" json:"resource_id"`
	Crew           []string  `db:"crew" json:"crew"`

	Pickup      geo.Point `db:"pickup" json:"pickup"`
	Destination geo.Point `db:"destination" json:"destination"`
	DistanceKm  float64   `db:"distance_km" json:"distance_km"`
	ETASeconds  int64     `db:"eta_seconds" json:"eta_seconds"`

	Leg                  referral.Leg `db:"leg" json:"leg"`
	DispatchedAt         time.Time    `db:"dispatched_at" json:"dispatched_at"`
	EnRoutePickupAt      *time.Time   `db:"en_route_pickup_at" json:"en_route_pickup_at,omitempty"`
	AtPickupAt           *time.Time   `db:"at_pickup_at" json:"at_pickup_at,omitempty"`
	EnRouteDestinationAt *time.Time   `db:"en_route_destination_at" json:"en_route_destination_at,omitempty"`
	ArrivedAt            *time.Time   `db:"arrived_at" json:"arrived_at,omitempty"`

	Active        bool       `db:"active" json:"active"`
	ReleasedAt    *time.Time `db:"released_at" json:"released_at,omitempty"`
	ReleaseReason string     `db:"release_reason" json:"release_reason,omitempty"`

	AssignedBy string    `db:"assigned_by" json:"assigned_by"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of a.
func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	c := *a
	if a.Crew != nil {
		c.Crew = append([]string(nil), a.Crew...)
	}
	c.EnRoutePickupAt = cloneTime(a.EnRoutePickupAt)
	c.AtPickupAt = cloneTime(a.AtPickupAt)
	c.EnRouteDestinationAt = cloneTime(a.EnRouteDestinationAt)
	c.ArrivedAt = cloneTime(a.ArrivedAt)
	c.ReleasedAt = cloneTime(a.ReleasedAt)
	return &c
}

// stamp records when leg was reached.
func (a *Assignment) stamp(leg referral.Leg, now time.Time) {
	t := now
	switch leg {
	case referral.LegDispatched:
		a.DispatchedAt = now
	case referral.LegEnRoutePickup:
		a.EnRoutePickupAt = &t
	case referral.LegAtPickup:
		a.AtPickupAt = &t
	case referral.LegEnRouteDestination:
		a.EnRouteDestinationAt = &t
	case referral.LegArrived:
		a.ArrivedAt = &t
	}
	a.Leg = leg
}

// NextLeg returns the only leg a may advance to, or "" after arrival.
func (a *Assignment) NextLeg() referral.Leg {
	i := a.Leg.Index() + 1
	if i <= 0 || i >= len(referral.Legs) {
		return ""
	}
	return referral.Legs[i]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var (
	ErrResourceBusy            = errors.New("transport resource busy")
	ErrReferralNotDispatchable = errors.New("referral not dispatchable")
	ErrInvalidLegOrder         = errors.New("invalid leg order")
	ErrInactive                = errors.New("assignment is not active")
	ErrNotFound                = errors.New("assignment not found")
	ErrValidation              = errors.New("invalid assignment")
)

// InvalidLegOrderError reports a leg update that does not follow the
// current leg.
type InvalidLegOrderError struct {
	Current   referral.Leg
	Attempted referral.Leg
	Expected  referral.Leg
}

func (e *InvalidLegOrderError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("invalid leg order: %s after final leg %s", e.Attempted, e.Current)
	}
	return fmt.Sprintf("invalid leg order: %s after %s (expected %s)", e.Attempted, e.Current, e.Expected)
}

func (e *InvalidLegOrderError) Is(target error) bool {
	return target == ErrInvalidLegOrder
}
