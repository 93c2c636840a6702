// Package webhook delivers notifications to an HTTP messaging provider.
// Every message is POSTed as signed JSON; the provider relays it over SMS,
// email, push or voice.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/referrals/internal/platform/notification"
)

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// Message is the body POSTed to the provider.
type Message struct {
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

type providerResponse struct {
	MessageID string `json:"message_id"`
}

// StatusError is a non-2xx provider answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider answered %d: %s", e.StatusCode, e.Body)
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithChannelURL routes one channel to its own endpoint.
func WithChannelURL(ch notification.Channel, rawURL string) Option {
	return func(g *Gateway) { g.urls[ch] = rawURL }
}

// Gateway implements notification.Sender over HTTP.
type Gateway struct {
	baseURL string
	secret  string
	urls    map[notification.Channel]string
	client  *http.Client
	now     func() time.Time
}

// NewGateway validates baseURL and returns a Gateway posting to it.
func NewGateway(baseURL, secret string, opts ...Option) (*Gateway, error) {
	if err := validateURL(baseURL); err != nil {
		return nil, err
	}
	g := &Gateway{
		baseURL: baseURL,
		secret:  secret,
		urls:    make(map[notification.Channel]string),
		client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	for ch, u := range g.urls {
		if err := validateURL(u); err != nil {
			return nil, fmt.Errorf("%s: %w", ch, err)
		}
	}
	return g, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway url must have a host")
	}
	return nil
}

func (g *Gateway) endpoint(ch notification.Channel) string {
	if u, ok := g.urls[ch]; ok {
		return u
	}
	return g.baseURL
}

// Send posts one message. The deadline comes from ctx, which the scheduler
// bounds with the channel timeout.
func (g *Gateway) Send(ctx context.Context, ch notification.Channel, recipient string, p notification.Payload) (notification.DeliveryReceipt, error) {
	msg := Message{
		ID:         uuid.NewString(),
		Channel:    string(ch),
		Recipient:  recipient,
		Subject:    p.Subject,
		Body:       p.Body,
		TemplateID: p.TemplateID,
		Data:       p.Data,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return notification.DeliveryReceipt{}, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(ch), bytes.NewReader(payload))
	if err != nil {
		return notification.DeliveryReceipt{}, err
	}
	now := g.now().UTC()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", msg.ID)
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))
	if g.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, g.secret))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return notification.DeliveryReceipt{}, err
	}
	defer resp.Body.Close()

	// Read at most 1KB of response body.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return notification.DeliveryReceipt{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	receipt := notification.DeliveryReceipt{ProviderMessageID: msg.ID, AcceptedAt: now}
	var pr providerResponse
	if json.Unmarshal(body, &pr) == nil && pr.MessageID != "" {
		receipt.ProviderMessageID = pr.MessageID
	}
	return receipt, nil
}
