package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/util"
)

// MessagingService defines the outbound messaging operations the engine needs.
type MessagingService interface {
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendText(ctx context.Context, to, body string) error
	SendInteractive(ctx context.Context, to, body string, buttons []models.Button) error
}

// Outcome describes how one engine invocation left the session.
type Outcome string

const (
	// OutcomeAwaitingInput means the session is parked at an interactive node.
	OutcomeAwaitingInput Outcome = "awaiting_input"
	// OutcomeAdvanced means the session moved but stopped before an
	// interactive node, typically because a gateway send failed and the
	// pointer was left in place for retry.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeDelayed means a durable delayed transition was scheduled.
	OutcomeDelayed Outcome = "delayed"
	// OutcomeTerminated means the session reached a terminal status.
	OutcomeTerminated Outcome = "terminated"
)

// Result reports the outcome of processing one inbound message.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	SessionID string  `json:"session_id"`
	FlowID    string  `json:"flow_id"`
}

// Sentinel errors surfaced by engine operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionTerminal = errors.New("session is already in a terminal state")
)

// defaultMaxChainSteps bounds synchronous auto-advance chains so a cycle of
// non-interactive nodes abandons the session instead of spinning forever.
const defaultMaxChainSteps = 50

// Engine is the conversation flow engine. It matches triggers, interprets
// node graphs, and owns session lifecycle transitions.
type Engine struct {
	store         store.Store
	jobs          store.JobRepo
	msg           MessagingService
	actions       *ActionExecutor
	locks         *conversationLocks
	maxChainSteps int
}

// NewEngine creates a flow engine. The notifier may be nil, in which case
// notify_agent actions only log.
func NewEngine(st store.Store, jobs store.JobRepo, msg MessagingService, notifier AgentNotifier) *Engine {
	return &Engine{
		store:         st,
		jobs:          jobs,
		msg:           msg,
		actions:       NewActionExecutor(st, notifier),
		locks:         newConversationLocks(),
		maxChainSteps: defaultMaxChainSteps,
	}
}

// ProcessIncomingMessage runs the engine for one inbound message that has
// already been persisted against the conversation. A nil result with nil
// error means no session continued and no trigger matched; the message needs
// no automated response.
func (e *Engine) ProcessIncomingMessage(ctx context.Context, conversationID, tenantID, body string) (*Result, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	conversation, err := e.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	// Existing sessions always take priority over new triggers.
	session, err := e.store.GetActiveSessionByConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active session: %w", err)
	}
	if session != nil {
		return e.continueSession(ctx, session, conversation, body)
	}

	flow, err := e.matchTrigger(conversation, body)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		slog.Debug("Engine.ProcessIncomingMessage: no trigger matched", "conversationID", conversationID)
		return nil, nil
	}
	return e.startSession(ctx, flow, conversation)
}

// HandoffToAgent transfers an active session to a human operator. The
// session becomes terminal; the conversation is free for new triggers.
func (e *Engine) HandoffToAgent(ctx context.Context, sessionID, reason string) error {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return ErrSessionNotFound
	}

	unlock := e.locks.Lock(session.ConversationID)
	defer unlock()

	// Reload under the lock; the session may have terminated meanwhile.
	session, err = e.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if session.Status.IsTerminal() {
		return ErrSessionTerminal
	}

	session.Status = models.SessionStatusHandoff
	session.HandoffReason = reason
	if err := e.store.UpdateSessionIfActive(*session); err != nil {
		return fmt.Errorf("failed to hand off session %s: %w", sessionID, err)
	}
	slog.Info("Engine.HandoffToAgent: session handed off", "sessionID", sessionID, "reason", reason)
	return nil
}

// startSession creates a session at the flow's start node and runs the
// synchronous node chain.
func (e *Engine) startSession(ctx context.Context, flow *models.Flow, conversation *models.Conversation) (*Result, error) {
	session := &models.Session{
		ID:             util.GenerateSessionID(),
		ConversationID: conversation.ID,
		TenantID:       conversation.TenantID,
		FlowID:         flow.ID,
		CurrentNodeID:  flow.StartNodeID,
		Status:         models.SessionStatusActive,
		CreatedAt:      time.Now(),
	}
	if err := e.store.CreateSession(*session); err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			// Lost a cross-process race; the winner owns the conversation now.
			slog.Warn("Engine.startSession: active session appeared concurrently", "conversationID", conversation.ID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := e.store.RecordFlowTriggered(flow.ID); err != nil {
		slog.Error("Engine.startSession: failed to record trigger", "flowID", flow.ID, "error", err)
	}
	slog.Info("Engine.startSession: session started", "sessionID", session.ID, "flowID", flow.ID, "conversationID", conversation.ID)

	return e.run(ctx, session, flow, conversation)
}

// continueSession resumes an active session with the participant's reply.
func (e *Engine) continueSession(ctx context.Context, session *models.Session, conversation *models.Conversation, reply string) (*Result, error) {
	flow, err := e.store.GetFlow(session.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	if flow == nil {
		// Flow deleted out from under the session.
		return e.abandon(session, nil, session.CurrentNodeID)
	}

	node := flow.NodeByID(session.CurrentNodeID)
	if node == nil {
		return e.abandon(session, flow, session.CurrentNodeID)
	}

	switch node.Type {
	case models.NodeTypeMessage:
		if len(node.Message.Buttons) > 0 {
			button := matchButton(node.Message.Buttons, reply)
			if button == nil {
				// Unmatched reply: no transition, no mutation of any kind.
				slog.Debug("Engine.continueSession: reply matched no button", "sessionID", session.ID, "nodeID", node.ID)
				return &Result{Outcome: OutcomeAwaitingInput, SessionID: session.ID, FlowID: flow.ID}, nil
			}
			session.Visit(node.ID, reply)
			session.CurrentNodeID = button.NextNodeID
			return e.run(ctx, session, flow, conversation)
		}
		// Dead-end or send-failed message node: re-run from here so the
		// prompt is retried.
		return e.run(ctx, session, flow, conversation)

	case models.NodeTypeQuestion:
		session.SetVariable(node.Question.VariableName, reply)
		session.Visit(node.ID, reply)
		if node.Question.NextNodeID == "" {
			return e.complete(session, flow)
		}
		session.CurrentNodeID = node.Question.NextNodeID
		return e.run(ctx, session, flow, conversation)

	case models.NodeTypeDelay:
		// A durable transition is already pending; inbound messages do not
		// shortcut the wait.
		slog.Debug("Engine.continueSession: session is waiting on a delay", "sessionID", session.ID, "nodeID", node.ID)
		return &Result{Outcome: OutcomeDelayed, SessionID: session.ID, FlowID: flow.ID}, nil

	default:
		// Non-interactive pointer (failed send mid-chain or similar): resume
		// the chain from the current node.
		return e.run(ctx, session, flow, conversation)
	}
}

// matchButton matches a reply against a button list by 1-based number,
// button id, or case-insensitive label.
func matchButton(buttons []models.Button, reply string) *models.Button {
	trimmed := strings.TrimSpace(reply)
	for i := range buttons {
		if trimmed == buttons[i].ID || strings.EqualFold(trimmed, buttons[i].Text) {
			return &buttons[i]
		}
		if trimmed == fmt.Sprintf("%d", i+1) {
			return &buttons[i]
		}
	}
	return nil
}
