package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/convoflow/convoflow/internal/models"
)

// run executes the node chain starting at the session's current node. It
// advances synchronously through non-interactive nodes until an interactive
// node, a delay, an end, or a failure, persists the session once, and
// reports the outcome.
func (e *Engine) run(ctx context.Context, session *models.Session, flow *models.Flow, conversation *models.Conversation) (*Result, error) {
	for steps := 0; ; steps++ {
		if steps >= e.maxChainSteps {
			slog.Error("Engine.run: auto-advance chain exceeded limit, abandoning", "sessionID", session.ID, "flowID", flow.ID, "nodeID", session.CurrentNodeID)
			return e.abandon(session, flow, session.CurrentNodeID)
		}

		node := flow.NodeByID(session.CurrentNodeID)
		if node == nil {
			slog.Error("Engine.run: session points at missing node", "sessionID", session.ID, "nodeID", session.CurrentNodeID)
			return e.abandon(session, flow, session.CurrentNodeID)
		}

		switch node.Type {
		case models.NodeTypeStart:
			session.Visit(node.ID, "")
			if node.Start.NextNodeID == "" {
				return e.abandon(session, flow, node.ID)
			}
			session.CurrentNodeID = node.Start.NextNodeID

		case models.NodeTypeMessage:
			text := Render(node.Message.Text, session.Variables)
			if len(node.Message.Buttons) > 0 {
				if err := e.msg.SendInteractive(ctx, conversation.Phone, text, node.Message.Buttons); err != nil {
					return e.stopForRetry(session, flow, node.ID, err)
				}
				session.Visit(node.ID, "")
				return e.saveAndReturn(session, flow, OutcomeAwaitingInput)
			}
			if err := e.msg.SendText(ctx, conversation.Phone, text); err != nil {
				return e.stopForRetry(session, flow, node.ID, err)
			}
			session.Visit(node.ID, "")
			if node.Message.NextNodeID == "" {
				// Dead end by authoring choice or mistake; the save-time
				// validator warns about this. The session waits until idle
				// expiry.
				return e.saveAndReturn(session, flow, OutcomeAwaitingInput)
			}
			session.CurrentNodeID = node.Message.NextNodeID

		case models.NodeTypeQuestion:
			text := Render(node.Question.Text, session.Variables)
			if err := e.msg.SendText(ctx, conversation.Phone, text); err != nil {
				return e.stopForRetry(session, flow, node.ID, err)
			}
			// The visit entry is recorded when the answer arrives, together
			// with the participant's response.
			return e.saveAndReturn(session, flow, OutcomeAwaitingInput)

		case models.NodeTypeCondition:
			session.Visit(node.ID, "")
			next, ok := evaluateConditionNode(node.Condition, session.Variables)
			if !ok {
				slog.Debug("Engine.run: no condition matched and no default branch", "sessionID", session.ID, "nodeID", node.ID)
				return e.abandon(session, flow, node.ID)
			}
			session.CurrentNodeID = next

		case models.NodeTypeAction:
			if err := e.actions.Execute(ctx, node.Action, session, conversation); err != nil {
				// Best effort: action failures never block the transition.
				slog.Error("Engine.run: action failed", "sessionID", session.ID, "nodeID", node.ID, "actionType", node.Action.ActionType, "error", err)
			}
			session.Visit(node.ID, "")
			if node.Action.NextNodeID == "" {
				return e.abandon(session, flow, node.ID)
			}
			session.CurrentNodeID = node.Action.NextNodeID

		case models.NodeTypeDelay:
			if node.Delay.NextNodeID == "" {
				return e.abandon(session, flow, node.ID)
			}
			if err := e.scheduleDelay(session, conversation, node); err != nil {
				return e.stopForRetry(session, flow, node.ID, err)
			}
			session.Visit(node.ID, "")
			return e.saveAndReturn(session, flow, OutcomeDelayed)

		case models.NodeTypeEnd:
			session.Visit(node.ID, "")
			return e.complete(session, flow)

		default:
			slog.Error("Engine.run: unhandled node type", "sessionID", session.ID, "nodeID", node.ID, "type", node.Type)
			return e.abandon(session, flow, node.ID)
		}
	}
}

// scheduleDelay enqueues the durable transition out of a delay node. The
// dedupe key makes re-entry into the same delay node idempotent.
func (e *Engine) scheduleDelay(session *models.Session, conversation *models.Conversation, node *models.Node) error {
	payload, err := json.Marshal(DelayTransitionPayload{
		SessionID:      session.ID,
		ConversationID: conversation.ID,
		NodeID:         node.ID,
		NextNodeID:     node.Delay.NextNodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delay payload: %w", err)
	}
	runAt := time.Now().Add(time.Duration(node.Delay.DelaySeconds) * time.Second)
	dedupeKey := session.ID + ":" + node.ID
	jobID, err := e.jobs.EnqueueJob(JobKindDelayTransition, runAt, string(payload), dedupeKey)
	if err != nil {
		return fmt.Errorf("failed to schedule delayed transition: %w", err)
	}
	slog.Debug("Engine.scheduleDelay: transition scheduled", "sessionID", session.ID, "nodeID", node.ID, "jobID", jobID, "runAt", runAt)
	return nil
}

// stopForRetry handles a gateway or scheduling failure: the node pointer is
// left where it is so the next inbound message retries the same boundary.
func (e *Engine) stopForRetry(session *models.Session, flow *models.Flow, nodeID string, cause error) (*Result, error) {
	slog.Error("Engine.run: send failed, leaving session at node for retry", "sessionID", session.ID, "nodeID", nodeID, "error", cause)
	if err := e.store.UpdateSessionIfActive(*session); err != nil {
		slog.Error("Engine.stopForRetry: failed to persist session", "sessionID", session.ID, "error", err)
	}
	return &Result{Outcome: OutcomeAdvanced, SessionID: session.ID, FlowID: flow.ID}, nil
}

// saveAndReturn persists the session in its active state.
func (e *Engine) saveAndReturn(session *models.Session, flow *models.Flow, outcome Outcome) (*Result, error) {
	if err := e.store.UpdateSessionIfActive(*session); err != nil {
		// A concurrent writer won; drop this invocation's work.
		return nil, fmt.Errorf("failed to persist session %s: %w", session.ID, err)
	}
	return &Result{Outcome: outcome, SessionID: session.ID, FlowID: flow.ID}, nil
}

// complete marks the session completed and folds the duration into the
// flow's running completion average.
func (e *Engine) complete(session *models.Session, flow *models.Flow) (*Result, error) {
	now := time.Now()
	session.Status = models.SessionStatusCompleted
	session.CompletedAt = &now
	if err := e.store.UpdateSessionIfActive(*session); err != nil {
		return nil, fmt.Errorf("failed to complete session %s: %w", session.ID, err)
	}
	if err := e.store.RecordFlowCompleted(flow.ID, now.Sub(session.CreatedAt)); err != nil {
		slog.Error("Engine.complete: failed to record completion", "flowID", flow.ID, "error", err)
	}
	slog.Info("Engine.complete: session completed", "sessionID", session.ID, "flowID", flow.ID)
	return &Result{Outcome: OutcomeTerminated, SessionID: session.ID, FlowID: flow.ID}, nil
}

// abandon marks the session abandoned and records the dropoff node. The
// session record is kept so the visited-node audit trail survives.
func (e *Engine) abandon(session *models.Session, flow *models.Flow, nodeID string) (*Result, error) {
	session.Status = models.SessionStatusAbandoned
	if err := e.store.UpdateSessionIfActive(*session); err != nil {
		return nil, fmt.Errorf("failed to abandon session %s: %w", session.ID, err)
	}
	if err := e.store.RecordFlowAbandoned(session.FlowID, nodeID); err != nil {
		slog.Error("Engine.abandon: failed to record abandonment", "flowID", session.FlowID, "error", err)
	}
	flowID := session.FlowID
	if flow != nil {
		flowID = flow.ID
	}
	slog.Info("Engine.abandon: session abandoned", "sessionID", session.ID, "flowID", flowID, "nodeID", nodeID)
	return &Result{Outcome: OutcomeTerminated, SessionID: session.ID, FlowID: flowID}, nil
}
