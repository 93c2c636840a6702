package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/referrals/pkg/validation"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(f.coord), f, e
}

func postJSON(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_Assign(t *testing.T) {
	h, f, e := newTestHandler()
	ref := f.acceptedReferral(t)
	body := fmt.Sprintf(`{"referral_id":"%s","resource_id":"ambulance-1","crew":["p1"],"pickup":{"lat":-0.09,"lng":34.76},"destination":{"lat":-1.29,"lng":36.82}}`, ref.ID)
	c, rec := postJSON(e, body)

	if err := h.Assign(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got Assignment
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ResourceID != "ambulance-1" || !got.Active {
		t.Errorf("unexpected assignment: %+v", got)
	}

	other := f.acceptedReferral(t)
	c, _ = postJSON(e, strings.Replace(body, ref.ID.String(), other.ID.String(), 1))
	if code := statusOf(t, h.Assign(c)); code != http.StatusConflict {
		t.Errorf("expected 409 for busy resource, got %d", code)
	}
}

func TestHandler_Assign_MissingCrew(t *testing.T) {
	h, f, e := newTestHandler()
	ref := f.acceptedReferral(t)
	c, _ := postJSON(e, fmt.Sprintf(`{"referral_id":"%s","resource_id":"ambulance-1","crew":[]}`, ref.ID))

	if code := statusOf(t, h.Assign(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_AdvanceLeg_OutOfOrder(t *testing.T) {
	h, f, e := newTestHandler()
	ref := f.acceptedReferral(t)
	a, err := f.coord.Assign(context.Background(), assignInput(ref.ID, "ambulance-1"), "dispatcher")
	if err != nil {
		t.Fatal(err)
	}
	c, _ := postJSON(e, `{"leg":"arrived"}`)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if code := statusOf(t, h.AdvanceLeg(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_Estimate(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := postJSON(e, `{"pickup":{"lat":0,"lng":0},"destination":{"lat":0,"lng":1}}`)

	if err := h.Estimate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		DistanceKm float64 `json:"distance_km"`
	}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.DistanceKm < 110.5 || got.DistanceKm > 111.7 {
		t.Errorf("unexpected distance %.2f", got.DistanceKm)
	}
}
