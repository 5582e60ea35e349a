package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/twiliowhatsapp"
)

func postWebhook(t *testing.T, svc *TwilioService, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	return rec
}

func TestTwilioWebhookEmitsInboundMessage(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), "t1")

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "hello")
	rec := postWebhook(t, svc, form)

	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200", rec.Code)
	}

	select {
	case msg := <-svc.Responses():
		if msg.TenantID != "t1" {
			t.Errorf("TenantID = %q, want t1", msg.TenantID)
		}
		if msg.From != "whatsapp:+15551234567" || msg.Body != "hello" {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
		if msg.ID == "" {
			t.Error("inbound message missing ID")
		}
	default:
		t.Fatal("expected inbound message on Responses channel")
	}
}

func TestTwilioWebhookMissingFieldsStillAcks(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), "t1")

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	rec := postWebhook(t, svc, form)

	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200 even for malformed payload", rec.Code)
	}
	select {
	case msg := <-svc.Responses():
		t.Fatalf("expected no inbound message, got %+v", msg)
	default:
	}
}

func TestTwilioServiceSendsCanonicalized(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock, "t1")

	if err := svc.SendText(context.Background(), "+1 (555) 123-4567", "hi"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "15551234567" {
		t.Fatalf("unexpected sends: %+v", mock.SentMessages)
	}

	buttons := []models.Button{{ID: "a", Text: "Option A"}}
	if err := svc.SendInteractive(context.Background(), "15551234567", "pick one", buttons); err != nil {
		t.Fatalf("SendInteractive failed: %v", err)
	}
	if got := mock.SentMessages[1].Body; !strings.Contains(got, "1. Option A") {
		t.Errorf("interactive body missing rendered buttons: %q", got)
	}
}

func TestTwilioServiceStopRejectsSends(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), "t1")
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendText(context.Background(), "15551234567", "hi"); err != ErrServiceStopped {
		t.Errorf("SendText after Stop = %v, want ErrServiceStopped", err)
	}
	// Second Stop is a no-op.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}
