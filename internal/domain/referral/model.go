package referral

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Urgency drives the response window and the base priority.
type Urgency string

const (
	UrgencyEmergency  Urgency = "emergency"
	UrgencyUrgent     Urgency = "urgent"
	UrgencySemiUrgent Urgency = "semi_urgent"
	UrgencyRoutine    Urgency = "routine"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyEmergency, UrgencyUrgent, UrgencySemiUrgent, UrgencyRoutine:
		return true
	}
	return false
}

// Status is the lifecycle state of a referral.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusInTransit Status = "in_transit"
	StatusArrived   Status = "arrived"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Decision is the receiving side's answer to a pending referral.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Leg is a step of an ambulance transfer.
type Leg string

const (
	LegDispatched         Leg = "dispatched"
	LegEnRoutePickup      Leg = "en_route_pickup"
	LegAtPickup           Leg = "at_pickup"
	LegEnRouteDestination Leg = "en_route_destination"
	LegArrived            Leg = "arrived"
)

// Legs is the fixed order every transfer moves through.
var Legs = []Leg{LegDispatched, LegEnRoutePickup, LegAtPickup, LegEnRouteDestination, LegArrived}

// Index returns the position of l in Legs, or -1.
func (l Leg) Index() int {
	for i, x := range Legs {
		if x == l {
			return i
		}
	}
	return -1
}

func (l Leg) Valid() bool { return l.Index() >= 0 }

// Final reports whether l is the last leg.
func (l Leg) Final() bool { return l == LegArrived }

// PatientSnapshot carries the patient attributes that influence priority.
type PatientSnapshot struct {
	ID       string `json:"id" validate:"required"`
	MRN      string `json:"mrn,omitempty"`
	Name     string `json:"name,omitempty"`
	Age      int    `json:"age" validate:"gte=0,lte=150"`
	HighRisk bool   `json:"high_risk"`
}

// Annotation is a soft note. Annotations are the only change permitted on a
// referral in a terminal state.
type Annotation struct {
	Kind      string    `json:"kind"`
	Note      string    `json:"note"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// Annotation kinds.
const (
	AnnotationOutcome    = "outcome"
	AnnotationEscalation = "escalation"
	AnnotationNote       = "note"
)

// Referral is one request to move a patient from a referring facility to a
// receiving one.
type Referral struct {
	ID     uuid.UUID `db:"id" json:"id"`
	Number string    `db:"number" json:"number"`

	Urgency  Urgency         `db:"urgency" json:"urgency"`
	Priority int             `db:"priority" json:"priority"`
	Status   Status          `db:"status" json:"status"`
	Patient  PatientSnapshot `db:"patient" json:"patient"`
	Reason   string          `db:"reason" json:"reason,omitempty"`

	ReferringFacility string `db:"referring_facility" json:"referring_facility"`
	ReferringDoctorID string `db:"referring_doctor_id" json:"referring_doctor_id"`
	ReferringContact  string `db:"referring_contact" json:"referring_contact,omitempty"`
	ReceivingFacility string `db:"receiving_facility" json:"receiving_facility"`
	ReceivingContact  string `db:"receiving_contact" json:"receiving_contact,omitempty"`
	ReceivingDoctorID string `db:"receiving_doctor_id" json:"receiving_doctor_id,omitempty"`

	RequiresTransport bool `db:"requires_transport" json:"requires_transport"`
	RequiresBed       bool `db:"requires_bed" json:"requires_bed"`
	TransportLeg      Leg  `db:"transport_leg" json:"transport_leg,omitempty"`

	Deadline               time.Time  `db:"deadline" json:"deadline"`
	SubmittedAt            time.Time  `db:"submitted_at" json:"submitted_at"`
	SubmittedBy            string     `db:"submitted_by" json:"submitted_by"`
	RespondedAt            *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	RespondedBy            string     `db:"responded_by" json:"responded_by,omitempty"`
	ResponseLatencySeconds *int64     `db:"response_latency_seconds" json:"response_latency_seconds,omitempty"`
	AcceptedAt             *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	RejectedAt             *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`
	ExpiredAt              *time.Time `db:"expired_at" json:"expired_at,omitempty"`
	InTransitAt            *time.Time `db:"in_transit_at" json:"in_transit_at,omitempty"`
	ArrivedAt              *time.Time `db:"arrived_at" json:"arrived_at,omitempty"`
	CompletedAt            *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt            *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	RejectionReason        string     `db:"rejection_reason" json:"rejection_reason,omitempty"`
	CancellationReason     string     `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	Outcome                string     `db:"outcome" json:"outcome,omitempty"`

	Annotations []Annotation `db:"annotations" json:"annotations,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Referral) Clone() *Referral {
	if r == nil {
		return nil
	}
	c := *r
	c.RespondedAt = cloneTime(r.RespondedAt)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.RejectedAt = cloneTime(r.RejectedAt)
	c.ExpiredAt = cloneTime(r.ExpiredAt)
	c.InTransitAt = cloneTime(r.InTransitAt)
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	if r.ResponseLatencySeconds != nil {
		v := *r.ResponseLatencySeconds
		c.ResponseLatencySeconds = &v
	}
	if r.Annotations != nil {
		c.Annotations = make([]Annotation, len(r.Annotations))
		copy(c.Annotations, r.Annotations)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var (
	ErrInvalidTransition  = errors.New("invalid referral transition")
	ErrDeadlineExceeded   = errors.New("referral response deadline exceeded")
	ErrDeadlineNotReached = errors.New("referral response deadline not reached")
	ErrNotFound           = errors.New("referral not found")
	ErrValidation         = errors.New("invalid referral")
	ErrTransportNotNeeded = errors.New("referral does not require transport")
	ErrClosed             = errors.New("referral is closed")
	ErrDispatchActive     = errors.New("referral transport is managed by an active dispatch")
)

// InvalidTransitionError reports an attempted edge that the state machine
// does not allow.
type InvalidTransitionError struct {
	From      Status
	Attempted Status
	Allowed   []Status
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("invalid referral transition from %s to %s (allowed: [%s])",
		e.From, e.Attempted, strings.Join(allowed, ", "))
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
