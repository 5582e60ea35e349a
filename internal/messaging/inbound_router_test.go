package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/convoflow/convoflow/internal/flow"
	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

func welcomeFlow() models.Flow {
	return models.Flow{
		ID:              "f1",
		TenantID:        "t1",
		Name:            "welcome",
		Active:          true,
		TriggerType:     models.TriggerTypeKeyword,
		TriggerKeywords: []string{"hi"},
		StartNodeID:     "start",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "greet"}},
			{ID: "greet", Type: models.NodeTypeMessage, Message: &models.MessageNode{Text: "Welcome aboard!", NextNodeID: "done"}},
			{ID: "done", Type: models.NodeTypeEnd},
		},
	}
}

func newTestRouter(t *testing.T) (*InboundRouter, *store.InMemoryStore, *MockService) {
	t.Helper()
	st := store.NewInMemoryStore()
	svc := NewMockService()
	engine := flow.NewEngine(st, st, svc, nil)
	if err := st.SaveFlow(welcomeFlow()); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	return NewInboundRouter(st, engine, svc), st, svc
}

func TestHandleCreatesConversationAndRunsFlow(t *testing.T) {
	router, st, svc := newTestRouter(t)

	router.Handle(context.Background(), models.InboundMessage{
		ID:       "m1",
		TenantID: "t1",
		From:     "+1 (555) 123-4567",
		Body:     "hi",
		Time:     time.Now().Unix(),
	})

	conv, err := st.GetConversationByPhone("t1", "15551234567")
	if err != nil {
		t.Fatalf("GetConversationByPhone failed: %v", err)
	}
	if conv == nil {
		t.Fatal("expected conversation to be created with canonical phone")
	}
	if conv.InboundCount != 1 {
		t.Errorf("InboundCount = %d, want 1", conv.InboundCount)
	}

	sent := svc.Sent()
	if len(sent) != 1 || sent[0].Body != "Welcome aboard!" {
		t.Fatalf("expected welcome message to be sent, got %+v", sent)
	}
	if sent[0].To != "15551234567" {
		t.Errorf("sent to %q, want canonical phone", sent[0].To)
	}
}

func TestHandleReusesExistingConversation(t *testing.T) {
	router, st, _ := newTestRouter(t)

	msg := models.InboundMessage{ID: "m1", TenantID: "t1", From: "15551234567", Body: "unmatched"}
	router.Handle(context.Background(), msg)
	msg.ID = "m2"
	router.Handle(context.Background(), msg)

	conv, err := st.GetConversationByPhone("t1", "15551234567")
	if err != nil {
		t.Fatalf("GetConversationByPhone failed: %v", err)
	}
	if conv == nil {
		t.Fatal("expected conversation")
	}
	if conv.InboundCount != 2 {
		t.Errorf("InboundCount = %d, want 2", conv.InboundCount)
	}
}

func TestHandleDropsInvalidSender(t *testing.T) {
	router, st, svc := newTestRouter(t)

	router.Handle(context.Background(), models.InboundMessage{ID: "m1", TenantID: "t1", From: "bogus", Body: "hi"})

	conv, err := st.GetConversationByPhone("t1", "bogus")
	if err != nil {
		t.Fatalf("GetConversationByPhone failed: %v", err)
	}
	if conv != nil {
		t.Error("expected no conversation for invalid sender")
	}
	if len(svc.Sent()) != 0 {
		t.Errorf("expected no sends, got %+v", svc.Sent())
	}
}

func TestStartConsumesResponses(t *testing.T) {
	router, st, svc := newTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Start(ctx)

	svc.InjectResponse(models.InboundMessage{ID: "m1", TenantID: "t1", From: "15551234567", Body: "hi"})

	deadline := time.After(2 * time.Second)
	for {
		conv, err := st.GetConversationByPhone("t1", "15551234567")
		if err != nil {
			t.Fatalf("GetConversationByPhone failed: %v", err)
		}
		if conv != nil && len(svc.Sent()) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("router did not process injected message; conv=%v sends=%d", conv, len(svc.Sent()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
