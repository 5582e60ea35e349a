package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/convoflow/convoflow/internal/flow"
	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/util"
)

// MessageProcessor is the flow engine surface the router drives.
type MessageProcessor interface {
	ProcessIncomingMessage(ctx context.Context, conversationID, tenantID, body string) (*flow.Result, error)
}

// InboundRouter consumes inbound messages from a Service, resolves or creates
// the conversation they belong to, and hands them to the flow engine.
type InboundRouter struct {
	store  store.Store
	engine MessageProcessor
	svc    Service
}

// NewInboundRouter creates an InboundRouter over the given store, engine and service.
func NewInboundRouter(st store.Store, engine MessageProcessor, svc Service) *InboundRouter {
	return &InboundRouter{
		store:  st,
		engine: engine,
		svc:    svc,
	}
}

// Start consumes the service's Responses channel until the context is
// cancelled or the channel closes.
func (r *InboundRouter) Start(ctx context.Context) {
	go func() {
		slog.Debug("InboundRouter started")
		for {
			select {
			case <-ctx.Done():
				slog.Debug("InboundRouter stopping due to context cancellation")
				return
			case msg, ok := <-r.svc.Responses():
				if !ok {
					slog.Debug("InboundRouter stopping, responses channel closed")
					return
				}
				r.Handle(ctx, msg)
			}
		}
	}()
}

// Handle routes a single inbound message through conversation resolution and
// the flow engine. Failures are logged; the message is dropped rather than
// retried, matching at-most-once webhook semantics.
func (r *InboundRouter) Handle(ctx context.Context, msg models.InboundMessage) {
	canonicalFrom, err := r.svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Warn("InboundRouter.Handle: invalid sender, dropping message", "error", err, "from", msg.From)
		return
	}

	conv, err := r.resolveConversation(msg.TenantID, canonicalFrom)
	if err != nil {
		slog.Error("InboundRouter.Handle: failed to resolve conversation", "error", err, "tenant_id", msg.TenantID, "from", canonicalFrom)
		return
	}

	if _, err := r.store.IncrementInbound(conv.ID); err != nil {
		slog.Error("InboundRouter.Handle: failed to increment inbound count", "error", err, "conversation_id", conv.ID)
		return
	}

	result, err := r.engine.ProcessIncomingMessage(ctx, conv.ID, msg.TenantID, msg.Body)
	if err != nil {
		slog.Error("InboundRouter.Handle: engine processing failed", "error", err, "conversation_id", conv.ID)
		return
	}
	if result == nil {
		slog.Debug("InboundRouter.Handle: no flow handled message", "conversation_id", conv.ID)
		return
	}
	slog.Debug("InboundRouter.Handle: message processed", "conversation_id", conv.ID, "outcome", result.Outcome, "session_id", result.SessionID)
}

// resolveConversation finds the conversation for a tenant-scoped phone number,
// creating it on first contact.
func (r *InboundRouter) resolveConversation(tenantID, phone string) (*models.Conversation, error) {
	conv, err := r.store.GetConversationByPhone(tenantID, phone)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	now := time.Now()
	created := models.Conversation{
		ID:        util.GenerateConversationID(),
		TenantID:  tenantID,
		Phone:     phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.SaveConversation(created); err != nil {
		return nil, err
	}
	slog.Info("InboundRouter created conversation for first contact", "conversation_id", created.ID, "tenant_id", tenantID)
	return &created, nil
}
