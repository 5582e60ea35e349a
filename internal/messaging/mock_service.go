package messaging

import (
	"context"
	"sync"

	"github.com/convoflow/convoflow/internal/models"
)

// MockService is an in-memory Service implementation for tests.
type MockService struct {
	mu        sync.Mutex
	sent      []MockSend
	sendErr   error
	responses chan models.InboundMessage
}

// MockSend records a single outbound send.
type MockSend struct {
	To      string
	Body    string
	Buttons []models.Button
}

var _ Service = (*MockService)(nil)

func NewMockService() *MockService {
	return &MockService{
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *MockService) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, MockSend{To: to, Body: body})
	return nil
}

func (m *MockService) SendInteractive(ctx context.Context, to string, body string, buttons []models.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, MockSend{To: to, Body: body, Buttons: buttons})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.responses)
	return nil
}

func (m *MockService) Responses() <-chan models.InboundMessage {
	return m.responses
}

// InjectResponse feeds an inbound message as if it arrived from the provider.
func (m *MockService) InjectResponse(msg models.InboundMessage) {
	m.responses <- msg
}

// SetSendError makes subsequent sends fail with err (nil to clear).
func (m *MockService) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of all recorded sends.
func (m *MockService) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sent))
	copy(out, m.sent)
	return out
}
