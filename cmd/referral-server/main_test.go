package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/referrals/internal/config"
	"github.com/ehr/referrals/internal/platform/clock"
	"github.com/ehr/referrals/internal/platform/deadline"
	"github.com/ehr/referrals/internal/platform/middleware"
	"github.com/ehr/referrals/internal/platform/notification"
	"github.com/ehr/referrals/internal/platform/webhook"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "test",
		Storage:               config.StorageMemory,
		CORSOrigins:           []string{"http://localhost:3000"},
		RateLimitRPS:          100,
		RateLimitBurst:        200,
		RequestTimeout:        5 * time.Second,
		BodyLimit:             "1M",
		SweepInterval:         30 * time.Second,
		DeliveryWorkers:       2,
		DeliveryMaxAttempts:   5,
		SMSTimeout:            3 * time.Second,
		FollowUpEscalateAfter: 48 * time.Hour,
		AmbulanceSpeedKmh:     60,
	}
}

func newTestServer(t *testing.T) (*app, *echo.Echo, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	a, err := newApp(context.Background(), testConfig(), zerolog.Nop(), clk)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a, a.newEcho(), clk
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(middleware.ActorHeader, "dr-referrer")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const emergencyReferral = `{"urgency":"emergency","patient":{"id":"pat-1","age":70},"referring_facility":"Kisumu District","referring_doctor_id":"dr-referrer","receiving_facility":"Nairobi General","receiving_contact":"+254700000001"}`

func TestServer_Health(t *testing.T) {
	_, e, _ := newTestServer(t)

	rec := do(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	rec = do(e, http.MethodGet, "/health/ready", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected ready with no external backends, got %d", rec.Code)
	}
}

func TestServer_SubmitAndList(t *testing.T) {
	a, e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/referrals", emergencyReferral)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Number string `json:"number"`
		Status string `json:"status"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Status != "pending" || !strings.HasPrefix(created.Number, "REF202605") {
		t.Errorf("unexpected referral: %+v", created)
	}

	rec = do(e, http.MethodGet, "/api/v1/referrals/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/referrals?status=pending", "")
	var page struct {
		Total int `json:"total"`
		Links []struct {
			Relation string `json:"relation"`
		} `json:"links"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Links) == 0 {
		t.Errorf("unexpected page: %s", rec.Body.String())
	}

	// The receiving side is notified through the delivery queue.
	due, err := a.scheduler.DueNow(context.Background())
	if err != nil {
		t.Fatalf("DueNow: %v", err)
	}
	if len(due) != 1 || due[0].Recipient != "+254700000001" {
		t.Errorf("expected one notice for the receiving side, got %d", len(due))
	}
}

func TestServer_SweepExpiresOverdueReferral(t *testing.T) {
	_, e, clk := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/referrals", emergencyReferral)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	clk.Advance(16 * time.Minute)
	rec = do(e, http.MethodPost, "/api/v1/sweeps", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rep deadline.SweepReport
	json.Unmarshal(rec.Body.Bytes(), &rep)
	if rep.Expired != 1 || rep.Errors != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestServer_RejectsInvalidBody(t *testing.T) {
	_, e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/referrals", `{"urgency":"whenever"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected security headers on API responses")
	}
}

func TestSchedulerConfig_Overrides(t *testing.T) {
	cfg := testConfig()
	cfg.StaleHorizon = 2 * time.Hour
	a := &app{cfg: cfg}

	sc := a.schedulerConfig()
	if sc.MaxAttempts != 5 || sc.Workers != 2 || sc.StaleHorizon != 2*time.Hour {
		t.Errorf("unexpected scheduler config: %+v", sc)
	}
	if sc.ChannelTimeouts[notification.ChannelSMS] != 3*time.Second {
		t.Errorf("expected sms timeout override, got %s", sc.ChannelTimeouts[notification.ChannelSMS])
	}
	if sc.ChannelTimeouts[notification.ChannelVoice] != 30*time.Second {
		t.Errorf("expected voice default kept, got %s", sc.ChannelTimeouts[notification.ChannelVoice])
	}
}

func TestRateLimitConfig_Default(t *testing.T) {
	a := &app{cfg: &config.Config{}}
	if got := a.rateLimitConfig(); got != middleware.DefaultRateLimitConfig() {
		t.Errorf("expected defaults, got %+v", got)
	}
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := newLogger("production", tt.level).GetLevel(); got != tt.want {
			t.Errorf("newLogger(%q) level = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Errorf("expected %q, got %q", version, out.String())
	}
}

func TestServer_DeliversThroughHTTPGateway(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []webhook.Message
	)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m webhook.Message
		json.NewDecoder(r.Body).Decode(&m)
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
	}))
	defer gw.Close()

	cfg := testConfig()
	cfg.GatewayURL = gw.URL
	a, err := newApp(context.Background(), cfg, zerolog.Nop(), clock.NewFake(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	rec := do(a.newEcho(), http.MethodPost, "/api/v1/referrals", emergencyReferral)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	n, err := a.scheduler.DeliverDue(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("DeliverDue = %d, %v", n, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || sent[0].Recipient != "+254700000001" {
		t.Errorf("unexpected gateway traffic: %+v", sent)
	}
}
