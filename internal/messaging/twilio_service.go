package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/twiliowhatsapp"
	"github.com/google/uuid"
)

// TwilioService implements Service using the Twilio REST API. Inbound messages
// arrive over HTTP via TwilioWebhookHandler rather than a live connection.
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender
	tenantID  string
	responses chan models.InboundMessage
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService wrapping the given sender for the
// given tenant.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, tenantID string) *TwilioService {
	return &TwilioService{
		client:    client,
		tenantID:  tenantID,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op for Twilio; inbound delivery is webhook driven.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	// Let in-flight webhook emits drain before closing the channel.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.responses)
	}()

	return nil
}

// SendText sends a plain text message via Twilio.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendText: recipient validation failed", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// SendInteractive sends a message with reply buttons rendered as a numbered
// list; the Go Twilio SDK has no native WhatsApp button support.
func (s *TwilioService) SendInteractive(ctx context.Context, to string, body string, buttons []models.Button) error {
	return s.SendText(ctx, to, renderButtons(body, buttons))
}

// Responses returns the channel of inbound messages.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests. It parses the
// form payload and emits the message on Responses(). Twilio retries non-2xx
// deliveries, so malformed payloads are logged and acknowledged rather than
// bounced back.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioWebhookHandler: failed to parse form", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")

	if from == "" || body == "" {
		slog.Warn("TwilioWebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		w.WriteHeader(http.StatusOK)
		return
	}

	msg := models.InboundMessage{
		ID:       uuid.NewString(),
		TenantID: s.tenantID,
		From:     from,
		Body:     body,
		Time:     time.Now().Unix(),
	}

	s.safeEmitResponse(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitResponse pushes an inbound message without blocking the webhook.
func (s *TwilioService) safeEmitResponse(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}

	select {
	case s.responses <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", msg.From)
	}
}
