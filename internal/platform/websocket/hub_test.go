package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/platform/events"
)

func escalated(id string) events.Event {
	return events.Event{
		Subject:    "followup.escalated",
		EntityType: "followup",
		EntityID:   id,
		OccurredAt: time.Now(),
	}
}

func receive(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var e events.Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("client did not receive event")
	}
	return events.Event{}
}

func TestTopics(t *testing.T) {
	got := Topics(escalated("f1"))
	want := []string{"*", "followup", "followup:f1"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Topics = %v, want %v", got, want)
	}
	if got := Topics(events.Event{Subject: "x"}); len(got) != 1 || got[0] != TopicAll {
		t.Errorf("expected only the wildcard topic, got %v", got)
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient([]string{"referral"})

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("referral") != 1 {
		t.Fatalf("unexpected counts: clients=%d topic=%d", hub.ClientCount(), hub.TopicCount("referral"))
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("referral") != 0 {
		t.Fatal("expected client removed")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel closed")
	}
}

func TestHub_PublishRoutesByTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	byType := newClient([]string{"followup"})
	byEntity := newClient([]string{"followup:f1"})
	other := newClient([]string{"dispatch"})
	hub.Register(byType)
	hub.Register(byEntity)
	hub.Register(other)

	if err := hub.Publish(context.Background(), escalated("f1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if e := receive(t, byType); e.Subject != "followup.escalated" {
		t.Errorf("unexpected subject %q", e.Subject)
	}
	if e := receive(t, byEntity); e.EntityID != "f1" {
		t.Errorf("unexpected entity %q", e.EntityID)
	}
	select {
	case <-other.Send:
		t.Fatal("dispatch subscriber should not receive follow-up events")
	default:
	}
}

func TestHub_PublishDeliversOncePerClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient([]string{TopicAll, "followup", "followup:f1"})
	hub.Register(client)

	hub.Publish(context.Background(), escalated("f1"))

	receive(t, client)
	select {
	case <-client.Send:
		t.Fatal("expected a single delivery")
	default:
	}
}

func TestHub_SlowClientIsSkipped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{TopicAll}, Send: make(chan []byte, 1)}
	hub.Register(slow)

	hub.Publish(context.Background(), escalated("f1"))
	hub.Publish(context.Background(), escalated("f2"))

	if hub.Dropped() != 1 {
		t.Errorf("expected 1 dropped delivery, got %d", hub.Dropped())
	}
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(nil)
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"referral", "dispatch", "referral"}})
	if len(client.Topics) != 2 || hub.TopicCount("referral") != 1 {
		t.Fatalf("unexpected topics after subscribe: %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"referral"}})
	if len(client.Topics) != 1 || client.Topics[0] != "dispatch" || hub.TopicCount("referral") != 0 {
		t.Fatalf("unexpected topics after unsubscribe: %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "shout", Topics: []string{"audit"}})
	if hub.TopicCount("audit") != 0 {
		t.Error("unknown actions must be ignored")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient([]string{"referral"})
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(context.Background(), events.Event{EntityType: "referral", EntityID: "r1"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events/ws", nil)
	rec := httptest.NewRecorder()

	if err := h.Connect(e.NewContext(req, rec)); err == nil {
		t.Error("expected upgrade error for a non-websocket request")
	}
}

func TestHandler_StreamsSubscribedEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, []string{"http://dashboard.local"}).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events/ws?topics=followup"

	header := http.Header{"Origin": []string{"http://dashboard.local"}}
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("followup") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"referral:r9"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for hub.TopicCount("referral:r9") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(context.Background(), events.Event{Subject: "referral.expired", EntityType: "referral", EntityID: "r9"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if got.Subject != "referral.expired" || got.EntityID != "r9" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), []string{"http://dashboard.local"}).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events/ws"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	if _, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Error("expected handshake to fail for a foreign origin")
	}
}
