// Package notification schedules outbound messages (SMS, email, push, voice)
// produced by referral transitions and follow-up escalations, delivers them
// through pluggable senders, and retries failed sends on a fixed backoff
// table until the attempt ceiling is reached.
package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is the medium a request is delivered over.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelVoice Channel = "voice"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush, ChannelVoice:
		return true
	}
	return false
}

// Status is the delivery state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
)

// Failure reasons recorded on terminal or stale requests.
const (
	ReasonStaleOnEnqueue = "stale_on_enqueue"
	ReasonMaxAttempts    = "max_attempts"
	ReasonWindowExpired  = "window_expired"
	ReasonAttemptLost    = "attempt_lost"
)

const DefaultMaxAttempts = 5

var (
	ErrNotFound       = errors.New("delivery request not found")
	ErrStaleRequest   = errors.New("delivery request is stale")
	ErrInvalidRequest = errors.New("invalid delivery request")
	ErrNotDue         = errors.New("delivery request is not due")
	ErrNotAttemptable = errors.New("delivery request is not attemptable")
	ErrNotRetryable   = errors.New("delivery request is not retry eligible")
)

// Payload is the rendered content of a message.
type Payload struct {
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// DeliveryRequest is one message for one recipient over one channel.
type DeliveryRequest struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	Seq               int64      `db:"seq" json:"seq"`
	Channel           Channel    `db:"channel" json:"channel"`
	Recipient         string     `db:"recipient" json:"recipient"`
	Payload           Payload    `db:"payload" json:"payload"`
	Priority          int        `db:"priority" json:"priority"`
	SourceType        string     `db:"source_type" json:"source_type,omitempty"`
	SourceID          string     `db:"source_id" json:"source_id,omitempty"`
	ScheduledAt       time.Time  `db:"scheduled_at" json:"scheduled_at"`
	ExpiresAt         *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	Attempts          int        `db:"attempts" json:"attempts"`
	MaxAttempts       int        `db:"max_attempts" json:"max_attempts"`
	Status            Status     `db:"status" json:"status"`
	NextRetryAt       *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastAttemptAt     *time.Time `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	DeliveredAt       *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt          *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	LastError         string     `db:"last_error" json:"last_error,omitempty"`
	FailureReason     string     `db:"failure_reason" json:"failure_reason,omitempty"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether no further attempt will ever be made.
func (r *DeliveryRequest) Terminal() bool {
	switch r.Status {
	case StatusDelivered, StatusExhausted:
		return true
	case StatusFailed:
		return r.NextRetryAt == nil
	}
	return false
}

func (r *DeliveryRequest) validate() error {
	if !r.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, r.Channel)
	}
	if r.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	if r.Payload.Body == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidRequest)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *DeliveryRequest) Clone() *DeliveryRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	c.NextRetryAt = cloneTime(r.NextRetryAt)
	c.LastAttemptAt = cloneTime(r.LastAttemptAt)
	c.DeliveredAt = cloneTime(r.DeliveredAt)
	c.FailedAt = cloneTime(r.FailedAt)
	if r.Payload.Data != nil {
		c.Payload.Data = make(map[string]string, len(r.Payload.Data))
		for k, v := range r.Payload.Data {
			c.Payload.Data[k] = v
		}
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
