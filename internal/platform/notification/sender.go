package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeliveryReceipt is returned by a gateway that accepted a message.
type DeliveryReceipt struct {
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	AcceptedAt        time.Time `json:"accepted_at"`
}

// Sender delivers one message over one channel.
type Sender interface {
	Send(ctx context.Context, ch Channel, recipient string, p Payload) (DeliveryReceipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch Channel, recipient string, p Payload) (DeliveryReceipt, error)

func (f SenderFunc) Send(ctx context.Context, ch Channel, recipient string, p Payload) (DeliveryReceipt, error) {
	return f(ctx, ch, recipient, p)
}

// SendError describes a failed attempt. Every SendError counts toward the
// attempt ceiling, timeouts included.
type SendError struct {
	Channel Channel
	Attempt int
	Timeout bool
	Err     error
}

func (e *SendError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s attempt %d timed out: %v", e.Channel, e.Attempt, e.Err)
	}
	return fmt.Sprintf("%s attempt %d failed: %v", e.Channel, e.Attempt, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ErrNoSender is returned by Router for channels without a registered sender.
var ErrNoSender = errors.New("no sender registered for channel")

// Router dispatches each channel to its own Sender.
type Router struct {
	mu      sync.RWMutex
	senders map[Channel]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[Channel]Sender)}
}

// Handle registers s for ch, replacing any previous sender.
func (r *Router) Handle(ch Channel, s Sender) *Router {
	r.mu.Lock()
	r.senders[ch] = s
	r.mu.Unlock()
	return r
}

func (r *Router) Send(ctx context.Context, ch Channel, recipient string, p Payload) (DeliveryReceipt, error) {
	r.mu.RLock()
	s, ok := r.senders[ch]
	r.mu.RUnlock()
	if !ok {
		return DeliveryReceipt{}, fmt.Errorf("%w: %s", ErrNoSender, ch)
	}
	return s.Send(ctx, ch, recipient, p)
}

// LogSender writes every message to the log and reports success. It stands
// in for real gateways in development.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, ch Channel, recipient string, p Payload) (DeliveryReceipt, error) {
	id := uuid.NewString()
	s.Logger.Info().
		Str("channel", string(ch)).
		Str("recipient", recipient).
		Str("subject", p.Subject).
		Str("provider_message_id", id).
		Msg("notification delivered to log")
	return DeliveryReceipt{ProviderMessageID: id, AcceptedAt: time.Now().UTC()}, nil
}

// SendCall records a single call to MockSender.Send.
type SendCall struct {
	Channel   Channel
	Recipient string
	Payload   Payload
}

// MockSender is a test double for Sender. The first FailTimes calls fail;
// with ShouldFail set every call fails. Delay makes each call block until the
// delay passes or the context ends.
type MockSender struct {
	mu         sync.Mutex
	calls      []SendCall
	ShouldFail bool
	FailTimes  int
	FailError  string
	Delay      time.Duration
}

func (m *MockSender) Send(ctx context.Context, ch Channel, recipient string, p Payload) (DeliveryReceipt, error) {
	m.mu.Lock()
	m.calls = append(m.calls, SendCall{Channel: ch, Recipient: recipient, Payload: p})
	n := len(m.calls)
	fail := m.ShouldFail || n <= m.FailTimes
	delay := m.Delay
	msg := m.FailError
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return DeliveryReceipt{}, ctx.Err()
		}
	}
	if fail {
		if msg == "" {
			msg = "gateway unavailable"
		}
		return DeliveryReceipt{}, errors.New(msg)
	}
	return DeliveryReceipt{ProviderMessageID: fmt.Sprintf("mock-%d", n)}, nil
}

// Calls returns a copy of recorded calls.
func (m *MockSender) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}
