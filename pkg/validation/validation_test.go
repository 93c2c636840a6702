package validation

import (
	"strings"
	"testing"
)

type sample struct {
	Name    string `json:"name" validate:"required"`
	Urgency string `json:"urgency" validate:"required,oneof=emergency urgent"`
	Age     int    `json:"age" validate:"gte=0,lte=150"`
}

func TestValidator_OK(t *testing.T) {
	if err := New().Validate(&sample{Name: "a", Urgency: "urgent", Age: 40}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidator_ReportsJSONNames(t *testing.T) {
	err := New().Validate(&sample{Urgency: "whenever", Age: 200})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"name is required", "urgency must be one of", "age must be at most 150"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}
