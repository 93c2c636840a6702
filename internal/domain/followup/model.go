package followup

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category fixes the answer schema of a question.
type Category string

const (
	CategoryPainScale           Category = "pain_scale"
	CategorySymptomText         Category = "symptom_text"
	CategoryMedicationAdherence Category = "medication_adherence"
	CategorySatisfaction        Category = "satisfaction"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryPainScale, CategorySymptomText, CategoryMedicationAdherence, CategorySatisfaction:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Question is one item of a follow-up questionnaire.
type Question struct {
	ID       string   `json:"id" validate:"required"`
	Category Category `json:"category" validate:"required,oneof=pain_scale symptom_text medication_adherence satisfaction"`
	Text     string   `json:"text" validate:"required"`
	Required bool     `json:"required"`
}

// Answer holds one typed response. Which field is meaningful depends on the
// question's category: Scale for pain_scale (0-10) and satisfaction (1-5),
// Text for symptom_text, Adherent for medication_adherence.
type Answer struct {
	Scale    *int   `json:"scale,omitempty"`
	Text     string `json:"text,omitempty"`
	Adherent *bool  `json:"adherent,omitempty"`
}

// RedFlag is a derived warning. Critical flags escalate on their own.
type RedFlag struct {
	Label    string `json:"label"`
	Critical bool   `json:"critical"`
}

// Record is one round of structured post-care questioning. RiskScore,
// RedFlags and ComplianceScore are derived from Responses and are never set
// directly.
type Record struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      string     `db:"patient_id" json:"patient_id"`
	PatientName    string     `db:"patient_name" json:"patient_name,omitempty"`
	PatientContact string     `db:"patient_contact" json:"patient_contact,omitempty"`
	ReferralID     *uuid.UUID `db:"referral_id" json:"referral_id,omitempty"`
	ClinicianID    string     `db:"clinician_id" json:"clinician_id,omitempty"`

	// ClinicianContact is where escalations go when no explicit target is given.
	ClinicianContact string `db:"clinician_contact" json:"clinician_contact,omitempty"`

	ScheduledAt time.Time         `db:"scheduled_at" json:"scheduled_at"`
	Status      Status            `db:"status" json:"status"`
	Questions   []Question        `db:"questions" json:"questions"`
	Responses   map[string]Answer `db:"responses" json:"responses,omitempty"`
	CompletedAt *time.Time        `db:"completed_at" json:"completed_at,omitempty"`

	RiskScore       float64   `db:"risk_score" json:"risk_score"`
	RedFlags        []RedFlag `db:"red_flags" json:"red_flags,omitempty"`
	ComplianceScore *float64  `db:"compliance_score" json:"compliance_score,omitempty"`

	Escalated        bool       `db:"escalated" json:"escalated"`
	EscalatedAt      *time.Time `db:"escalated_at" json:"escalated_at,omitempty"`
	EscalationTarget string     `db:"escalation_target" json:"escalation_target,omitempty"`
	EscalationReason string     `db:"escalation_reason" json:"escalation_reason,omitempty"`
	EscalatedBy      string     `db:"escalated_by" json:"escalated_by,omitempty"`

	NeedsReminder  bool       `db:"needs_reminder" json:"needs_reminder"`
	ReminderSentAt *time.Time `db:"reminder_sent_at" json:"reminder_sent_at,omitempty"`

	NextFollowUpAt *time.Time `db:"next_follow_up_at" json:"next_follow_up_at,omitempty"`
	SuccessorID    *uuid.UUID `db:"successor_id" json:"successor_id,omitempty"`
	PredecessorID  *uuid.UUID `db:"predecessor_id" json:"predecessor_id,omitempty"`

	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.ReferralID != nil {
		id := *r.ReferralID
		c.ReferralID = &id
	}
	if r.SuccessorID != nil {
		id := *r.SuccessorID
		c.SuccessorID = &id
	}
	if r.PredecessorID != nil {
		id := *r.PredecessorID
		c.PredecessorID = &id
	}
	if r.Questions != nil {
		c.Questions = append([]Question(nil), r.Questions...)
	}
	if r.Responses != nil {
		c.Responses = make(map[string]Answer, len(r.Responses))
		for k, v := range r.Responses {
			c.Responses[k] = v.clone()
		}
	}
	if r.RedFlags != nil {
		c.RedFlags = append([]RedFlag(nil), r.RedFlags...)
	}
	if r.ComplianceScore != nil {
		v := *r.ComplianceScore
		c.ComplianceScore = &v
	}
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.EscalatedAt = cloneTime(r.EscalatedAt)
	c.ReminderSentAt = cloneTime(r.ReminderSentAt)
	c.NextFollowUpAt = cloneTime(r.NextFollowUpAt)
	return &c
}

func (a Answer) clone() Answer {
	if a.Scale != nil {
		v := *a.Scale
		a.Scale = &v
	}
	if a.Adherent != nil {
		v := *a.Adherent
		a.Adherent = &v
	}
	return a
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var (
	ErrNotFound      = errors.New("follow-up not found")
	ErrValidation    = errors.New("invalid follow-up")
	ErrInvalidAnswer = errors.New("invalid follow-up answer")
)

// AnswerError reports a response that does not fit its question's schema.
type AnswerError struct {
	QuestionID string
	Category   Category
	Problem    string
}

func (e *AnswerError) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("answer %s: %s", e.QuestionID, e.Problem)
	}
	return fmt.Sprintf("answer %s (%s): %s", e.QuestionID, e.Category, e.Problem)
}

func (e *AnswerError) Is(target error) bool {
	return target == ErrInvalidAnswer
}
