// Package messaging provides pluggable WhatsApp delivery backends and routes
// inbound messages into the flow engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/convoflow/convoflow/internal/models"
)

const (
	// DefaultChannelBufferSize defines the buffer size for the inbound message channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// nonDigitRegex strips everything but digits when canonicalizing phone numbers.
var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable WhatsApp delivery abstraction. Implementations
// deliver outbound messages and surface inbound ones on Responses().
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier, returning the canonical form used for storage and delivery.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, to string, body string) error

	// SendInteractive sends a message with reply buttons. Backends without
	// native button support render them as a numbered list.
	SendInteractive(ctx context.Context, to string, body string, buttons []models.Button) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of inbound messages.
	Responses() <-chan models.InboundMessage
}

// canonicalizePhone strips non-digits and validates the remaining number.
// Shared by all backends so stored conversations key on the same form.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := nonDigitRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// renderButtons appends reply buttons to a message body as a numbered list,
// matching how the engine resolves numeric replies back to buttons.
func renderButtons(body string, buttons []models.Button) string {
	if len(buttons) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Text)
	}
	return b.String()
}
