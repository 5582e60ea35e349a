package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

// matchTrigger decides which flow, if any, an inbound message should start.
// Keyword flows are consulted first, then first_message flows when this is
// the conversation's first inbound message ever. Candidate flows are ordered
// by creation time ascending, so the oldest matching flow wins.
func (e *Engine) matchTrigger(conversation *models.Conversation, body string) (*models.Flow, error) {
	normalized := strings.ToLower(strings.TrimSpace(body))

	keywordFlows, err := e.store.ListActiveFlowsByTrigger(conversation.TenantID, models.TriggerTypeKeyword)
	if err != nil {
		return nil, fmt.Errorf("failed to list keyword flows: %w", err)
	}
	for i := range keywordFlows {
		for _, keyword := range keywordFlows[i].TriggerKeywords {
			if strings.ToLower(keyword) == normalized {
				slog.Debug("Engine.matchTrigger: keyword matched", "flowID", keywordFlows[i].ID, "keyword", keyword)
				return &keywordFlows[i], nil
			}
		}
	}

	if conversation.InboundCount == 1 {
		firstMessageFlows, err := e.store.ListActiveFlowsByTrigger(conversation.TenantID, models.TriggerTypeFirstMessage)
		if err != nil {
			return nil, fmt.Errorf("failed to list first_message flows: %w", err)
		}
		if len(firstMessageFlows) > 0 {
			slog.Debug("Engine.matchTrigger: first message matched", "flowID", firstMessageFlows[0].ID)
			return &firstMessageFlows[0], nil
		}
	}

	return nil, nil
}

// StartFlow starts a flow for a conversation on an operator's request,
// bypassing trigger matching. The flow must be active and the conversation
// must not already have an active session.
func (e *Engine) StartFlow(ctx context.Context, flowID, conversationID string) (*Result, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	conversation, err := e.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}
	flow, err := e.store.GetFlow(flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	if flow == nil {
		return nil, fmt.Errorf("flow %s: %w", flowID, store.ErrNotFound)
	}
	if !flow.Active {
		return nil, fmt.Errorf("flow %s is not active", flowID)
	}
	existing, err := e.store.GetActiveSessionByConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active session: %w", err)
	}
	if existing != nil {
		return nil, store.ErrActiveSessionExists
	}
	return e.startSession(ctx, flow, conversation)
}
