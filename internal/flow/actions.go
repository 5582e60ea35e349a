package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/util"
)

// ErrActionNotSupported is returned for action types that are declared in the
// enumeration but deliberately not implemented.
var ErrActionNotSupported = errors.New("action type not supported")

// AgentNotifier is the extension point for notify_agent actions. Deployments
// plug in their own channel (dashboard push, pager, webhook).
type AgentNotifier interface {
	NotifyAgent(ctx context.Context, tenantID, conversationID, message string) error
}

// logNotifier is the default AgentNotifier: it only logs.
type logNotifier struct{}

func (logNotifier) NotifyAgent(ctx context.Context, tenantID, conversationID, message string) error {
	slog.Info("AgentNotifier: agent attention requested", "tenantID", tenantID, "conversationID", conversationID, "message", message)
	return nil
}

// ActionExecutor dispatches action node side effects against CRM data.
// Execution is best effort: the interpreter logs failures and advances
// regardless, so no action may block a flow transition.
type ActionExecutor struct {
	store    store.Store
	notifier AgentNotifier
}

// NewActionExecutor creates an executor backed by the given store. A nil
// notifier falls back to log-only notifications.
func NewActionExecutor(st store.Store, notifier AgentNotifier) *ActionExecutor {
	if notifier == nil {
		notifier = logNotifier{}
	}
	return &ActionExecutor{store: st, notifier: notifier}
}

// Execute performs exactly one action. The caller treats a returned error as
// loggable, never as a reason to halt the session.
func (e *ActionExecutor) Execute(ctx context.Context, action *models.ActionNode, session *models.Session, conversation *models.Conversation) error {
	slog.Debug("ActionExecutor.Execute invoked", "actionType", action.ActionType, "sessionID", session.ID)
	switch action.ActionType {
	case models.ActionAssignTag:
		return e.assignTag(action, conversation)
	case models.ActionChangeStage:
		return e.changeStage(action, conversation)
	case models.ActionCreateLead:
		return e.createLead(session, conversation)
	case models.ActionNotifyAgent:
		message := Render(action.ActionData["message"], session.Variables)
		return e.notifier.NotifyAgent(ctx, session.TenantID, session.ConversationID, message)
	case models.ActionSendEmail, models.ActionUpdateField:
		return fmt.Errorf("%w: %s", ErrActionNotSupported, action.ActionType)
	default:
		return fmt.Errorf("%w: %s", ErrActionNotSupported, action.ActionType)
	}
}

func (e *ActionExecutor) assignTag(action *models.ActionNode, conversation *models.Conversation) error {
	tag := action.ActionData["tag"]
	if tag == "" {
		return fmt.Errorf("assign_tag action has no tag")
	}
	if err := e.store.AddConversationTag(conversation.ID, tag); err != nil {
		return fmt.Errorf("failed to assign tag %q: %w", tag, err)
	}
	slog.Debug("ActionExecutor.assignTag applied", "conversationID", conversation.ID, "tag", tag)
	return nil
}

func (e *ActionExecutor) changeStage(action *models.ActionNode, conversation *models.Conversation) error {
	stage := action.ActionData["stage"]
	if stage == "" {
		return fmt.Errorf("change_stage action has no stage")
	}
	if conversation.LeadID == "" {
		return fmt.Errorf("change_stage: conversation %s has no linked lead", conversation.ID)
	}
	if err := e.store.UpdateLeadStatus(conversation.LeadID, stage); err != nil {
		return fmt.Errorf("failed to change lead stage: %w", err)
	}
	slog.Info("ActionExecutor.changeStage applied", "leadID", conversation.LeadID, "stage", stage)
	return nil
}

func (e *ActionExecutor) createLead(session *models.Session, conversation *models.Conversation) error {
	if conversation.LeadID != "" {
		slog.Debug("ActionExecutor.createLead skipped, lead already linked", "conversationID", conversation.ID, "leadID", conversation.LeadID)
		return nil
	}

	name := session.Variables["name"]
	if name == "" {
		name = conversation.DisplayName
	}
	lead := models.Lead{
		ID:       util.GenerateLeadID(),
		TenantID: session.TenantID,
		Name:     name,
		Email:    session.Variables["email"],
		Phone:    conversation.Phone,
		Status:   "new",
		Source:   "chatbot",
	}
	if err := e.store.CreateLead(lead); err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	if err := e.store.LinkConversationLead(conversation.ID, lead.ID); err != nil {
		return fmt.Errorf("failed to link lead to conversation: %w", err)
	}
	conversation.LeadID = lead.ID
	slog.Info("ActionExecutor.createLead created", "leadID", lead.ID, "conversationID", conversation.ID)
	return nil
}
