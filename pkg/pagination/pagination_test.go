package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target        string
		limit, offset int
	}{
		{"/", DefaultLimit, 0},
		{"/?limit=50&offset=10", 50, 10},
		{"/?limit=500", MaxLimit, 0},
		{"/?limit=0&offset=-5", DefaultLimit, 0},
		{"/?limit=abc&offset=x", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(contextFor(tt.target))
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("%s: got limit=%d offset=%d, want %d/%d", tt.target, p.Limit, p.Offset, tt.limit, tt.offset)
		}
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 5, 2, 0)
	if !r.HasMore {
		t.Error("expected has_more with 5 total and 2 returned")
	}
	r = NewResponse([]string{"e"}, 5, 2, 4)
	if r.HasMore {
		t.Error("expected no more results on last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() || !p.HasNext(16) || p.HasNext(15) {
		t.Error("unexpected navigation flags")
	}
}

func TestParams_Links(t *testing.T) {
	u, _ := url.Parse("/api/v1/referrals?status=pending&offset=10&limit=10")
	links := Params{Limit: 10, Offset: 10}.Links(u, 35)

	want := map[string]string{
		"self":     "/api/v1/referrals?limit=10&offset=10&status=pending",
		"next":     "/api/v1/referrals?limit=10&offset=20&status=pending",
		"previous": "/api/v1/referrals?limit=10&offset=0&status=pending",
	}
	if len(links) != len(want) {
		t.Fatalf("expected %d links, got %v", len(want), links)
	}
	for _, l := range links {
		if want[l.Relation] != l.URL {
			t.Errorf("%s: want %q, got %q", l.Relation, want[l.Relation], l.URL)
		}
	}
}

func TestNewPage_FirstPageHasNoPrevious(t *testing.T) {
	c := contextFor("/api/v1/followups?patient_id=p1")
	r := NewPage(c, []int{1, 2}, 2, FromContext(c))
	if len(r.Links) != 1 || r.Links[0].Relation != "self" {
		t.Errorf("expected only self link, got %v", r.Links)
	}
}
