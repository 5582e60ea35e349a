package messaging

import (
	"strings"
	"testing"

	"github.com/convoflow/convoflow/internal/models"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain digits", in: "15551234567", want: "15551234567"},
		{name: "e164", in: "+15551234567", want: "15551234567"},
		{name: "formatted", in: "+1 (555) 123-4567", want: "15551234567"},
		{name: "whatsapp prefix", in: "whatsapp:+15551234567", want: "15551234567"},
		{name: "empty", in: "", wantErr: true},
		{name: "no digits", in: "not-a-number", wantErr: true},
		{name: "too short", in: "12345", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := canonicalizePhone(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("canonicalizePhone(%q) expected error, got %q", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("canonicalizePhone(%q) failed: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("canonicalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRenderButtons(t *testing.T) {
	buttons := []models.Button{
		{ID: "yes", Text: "Yes please"},
		{ID: "no", Text: "Not now"},
	}
	got := renderButtons("Interested in a demo?", buttons)
	if !strings.HasPrefix(got, "Interested in a demo?") {
		t.Errorf("rendered message lost the body: %q", got)
	}
	if !strings.Contains(got, "1. Yes please") || !strings.Contains(got, "2. Not now") {
		t.Errorf("rendered message missing numbered options: %q", got)
	}
}

func TestRenderButtonsEmpty(t *testing.T) {
	if got := renderButtons("plain", nil); got != "plain" {
		t.Errorf("renderButtons with no buttons = %q, want unchanged body", got)
	}
}
