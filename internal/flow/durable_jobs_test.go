package flow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

func delayFlow(delaySeconds int) models.Flow {
	return keywordFlow("f1", []string{"hi"}, []models.Node{
		{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "wait"}},
		{ID: "wait", Type: models.NodeTypeDelay, Delay: &models.DelayNode{DelaySeconds: delaySeconds, NextNodeID: "followup"}},
		{ID: "followup", Type: models.NodeTypeMessage, Message: &models.MessageNode{Text: "still there?", NextNodeID: "done"}},
		{ID: "done", Type: models.NodeTypeEnd},
	})
}

func TestDelayNodeSchedulesDurableJob(t *testing.T) {
	engine, st, gateway := newTestEngine(t)
	newTestConversation(t, st, "c1")
	saveFlow(t, st, delayFlow(3600))

	result := deliver(t, engine, st, "c1", "hi")
	if result == nil || result.Outcome != OutcomeDelayed {
		t.Fatalf("expected delayed, got %+v", result)
	}

	// Nothing sent yet; the job carries the transition.
	if len(gateway.sentMessages()) != 0 {
		t.Fatalf("expected no sends before the delay elapses, got %+v", gateway.sentMessages())
	}

	sess := activeSession(t, st, "c1")
	if sess.CurrentNodeID != "wait" {
		t.Errorf("expected session parked at delay node, got %q", sess.CurrentNodeID)
	}

	// The job is not claimable before its run time.
	jobs, err := st.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no due jobs yet, got %d", len(jobs))
	}
	jobs, err = st.ClaimDueJobs(time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != JobKindDelayTransition {
		t.Fatalf("expected one delay_transition job, got %+v", jobs)
	}
}

func TestDelayTransitionHandlerAdvancesSession(t *testing.T) {
	engine, st, gateway := newTestEngine(t)
	newTestConversation(t, st, "c1")
	saveFlow(t, st, delayFlow(0))

	deliver(t, engine, st, "c1", "hi")
	sess := activeSession(t, st, "c1")

	runner := store.NewJobRunner(st, time.Second)
	engine.RegisterJobHandlers(runner)
	runner.Poll(context.Background())

	sent := gateway.sentMessages()
	if len(sent) != 1 || sent[0].Body != "still there?" {
		t.Fatalf("expected follow-up message after delay, got %+v", sent)
	}
	got, _ := st.GetSession(sess.ID)
	if got.Status != models.SessionStatusCompleted {
		t.Errorf("expected session completed after delayed chain, got %s", got.Status)
	}
}

func TestDelayTransitionHandlerIsIdempotent(t *testing.T) {
	engine, st, gateway := newTestEngine(t)
	newTestConversation(t, st, "c1")
	saveFlow(t, st, delayFlow(0))

	deliver(t, engine, st, "c1", "hi")
	sess := activeSession(t, st, "c1")

	payload, _ := json.Marshal(DelayTransitionPayload{
		SessionID:      sess.ID,
		ConversationID: "c1",
		NodeID:         "wait",
		NextNodeID:     "followup",
	})

	if err := engine.handleDelayTransition(context.Background(), string(payload)); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	// Redelivery after the session moved on must be a total no-op.
	if err := engine.handleDelayTransition(context.Background(), string(payload)); err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}

	if len(gateway.sentMessages()) != 1 {
		t.Errorf("expected exactly one follow-up send, got %d", len(gateway.sentMessages()))
	}
	f, _ := st.GetFlow("f1")
	if f.Analytics.Completed != 1 {
		t.Errorf("expected completed=1, got %d", f.Analytics.Completed)
	}
}

func TestDelayJobDedupe(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	newTestConversation(t, st, "c1")
	saveFlow(t, st, delayFlow(3600))

	deliver(t, engine, st, "c1", "hi")
	// An inbound message while waiting must not duplicate the pending job.
	deliver(t, engine, st, "c1", "are you there?")

	jobs, err := st.ClaimDueJobs(time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected a single pending delay job, got %d", len(jobs))
	}
}

func TestDelayTransitionHandlerRejectsBadPayload(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if err := engine.handleDelayTransition(context.Background(), "{not json"); err == nil {
		t.Error("expected error for malformed payload")
	}
}
