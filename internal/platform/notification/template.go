package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template IDs used by the referral engine.
const (
	TemplateReferralSubmitted  = "referral-submitted"
	TemplateReferralAccepted   = "referral-accepted"
	TemplateReferralRejected   = "referral-rejected"
	TemplateReferralExpired    = "referral-expired"
	TemplateReferralCancelled  = "referral-cancelled"
	TemplateDispatchAssigned   = "dispatch-assigned"
	TemplateFollowUpReminder   = "followup-reminder"
	TemplateFollowUpEscalation = "followup-escalation"
)

// Template defines a reusable message.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateReferralSubmitted,
			Name:    "Referral Submitted",
			Subject: "New {{urgency}} referral {{number}}",
			Body:    "Referral {{number}} ({{urgency}}) from {{referring_facility}} awaits your response by {{deadline}}. Reason: {{reason}}",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateReferralAccepted,
			Name:    "Referral Accepted",
			Subject: "Referral {{number}} accepted",
			Body:    "Referral {{number}} was accepted by {{receiving_facility}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateReferralRejected,
			Name:    "Referral Rejected",
			Subject: "Referral {{number}} rejected",
			Body:    "Referral {{number}} was rejected by {{receiving_facility}}: {{reason}}",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateReferralExpired,
			Name:    "Referral Expired",
			Subject: "Referral {{number}} expired without a response",
			Body:    "Referral {{number}} ({{urgency}}) received no response before {{deadline}} and has expired. Please refer elsewhere.",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateReferralCancelled,
			Name:    "Referral Cancelled",
			Subject: "Referral {{number}} cancelled",
			Body:    "Referral {{number}} was cancelled: {{reason}}",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateDispatchAssigned,
			Name:    "Ambulance Dispatched",
			Subject: "Ambulance {{resource}} dispatched for {{number}}",
			Body:    "Ambulance {{resource}} ({{dispatch_number}}) is on its way for referral {{number}}. Estimated arrival at destination: {{eta}}.",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateFollowUpReminder,
			Name:    "Follow-up Reminder",
			Subject: "Follow-up questionnaire due",
			Body:    "Your follow-up questionnaire was due on {{scheduled_at}}. Please complete it as soon as possible.",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateFollowUpEscalation,
			Name:    "Follow-up Escalation",
			Subject: "Escalation: follow-up for patient {{patient}}",
			Body:    "Follow-up {{followup}} for patient {{patient}} needs clinical review. Reason: {{reason}}. Red flags: {{red_flags}}.",
			Channel: ChannelSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Lookup returns the template registered under id.
func (e *TemplateEngine) Lookup(id string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Payload renders templateID into a Payload that remembers its inputs.
func (e *TemplateEngine) Payload(templateID string, data map[string]string) (Payload, error) {
	subject, body, err := e.Render(templateID, data)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Subject: subject, Body: body, TemplateID: templateID, Data: data}, nil
}
