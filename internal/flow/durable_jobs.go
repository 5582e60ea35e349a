// This file wires delay nodes to the durable job queue: scheduled
// transitions are persisted jobs, so they survive process restarts.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

// JobKindDelayTransition is the job kind for delay node transitions.
const JobKindDelayTransition = "delay_transition"

// DelayTransitionPayload is the JSON payload for delay_transition jobs.
type DelayTransitionPayload struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	NodeID         string `json:"node_id"`
	NextNodeID     string `json:"next_node_id"`
}

// RegisterJobHandlers registers the engine's job handlers with the runner.
func (e *Engine) RegisterJobHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindDelayTransition, e.handleDelayTransition)
}

// handleDelayTransition advances a session out of a delay node. Delivery may
// repeat after crash recovery, so the handler re-checks that the session is
// still active and still parked on the delay node before doing anything.
func (e *Engine) handleDelayTransition(ctx context.Context, payload string) error {
	var p DelayTransitionPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid delay_transition payload: %w", err)
	}

	unlock := e.locks.Lock(p.ConversationID)
	defer unlock()

	session, err := e.store.GetSession(p.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil || session.Status != models.SessionStatusActive || session.CurrentNodeID != p.NodeID {
		slog.Debug("JobHandler.delay_transition: session moved on, skipping", "sessionID", p.SessionID, "nodeID", p.NodeID)
		return nil
	}

	flow, err := e.store.GetFlow(session.FlowID)
	if err != nil {
		return fmt.Errorf("failed to load flow: %w", err)
	}
	conversation, err := e.store.GetConversation(session.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if flow == nil || conversation == nil {
		if _, err := e.abandon(session, flow, session.CurrentNodeID); err != nil {
			return err
		}
		return nil
	}

	slog.Info("JobHandler.delay_transition: resuming session", "sessionID", session.ID, "nodeID", p.NodeID, "nextNodeID", p.NextNodeID)
	session.CurrentNodeID = p.NextNodeID
	if _, err := e.run(ctx, session, flow, conversation); err != nil {
		return fmt.Errorf("delayed transition failed: %w", err)
	}
	return nil
}
