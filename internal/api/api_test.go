package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/convoflow/convoflow/internal/flow"
	"github.com/convoflow/convoflow/internal/messaging"
	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *messaging.MockService) {
	t.Helper()
	st := store.NewInMemoryStore()
	svc := messaging.NewMockService()
	engine := flow.NewEngine(st, st, svc, nil)
	return NewServer(st, engine, svc, ""), st, svc
}

// doJSON performs a request with an optional JSON body and returns the
// recorder plus the decoded API response.
func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp models.APIResponse
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func testFlow(id string) models.Flow {
	return models.Flow{
		ID:              id,
		TenantID:        "t1",
		Name:            "welcome",
		Active:          true,
		TriggerType:     models.TriggerTypeKeyword,
		TriggerKeywords: []string{"hi"},
		StartNodeID:     "start",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStart, Start: &models.StartNode{NextNodeID: "greet"}},
			{ID: "greet", Type: models.NodeTypeMessage, Message: &models.MessageNode{Text: "Welcome!", NextNodeID: "done"}},
			{ID: "done", Type: models.NodeTypeEnd},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, resp := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("health response status = %q", resp.Status)
	}
}

func TestCreateFlow(t *testing.T) {
	s, st, _ := newTestServer(t)

	rec, resp := doJSON(t, s, http.MethodPost, "/flows", testFlow("f1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("create response status = %q", resp.Status)
	}

	saved, err := st.GetFlow("f1")
	if err != nil || saved == nil {
		t.Fatalf("flow not persisted: %v", err)
	}
	if saved.Name != "welcome" {
		t.Errorf("saved name = %q", saved.Name)
	}
}

func TestCreateFlowGeneratesID(t *testing.T) {
	s, _, _ := newTestServer(t)

	f := testFlow("")
	rec, resp := doJSON(t, s, http.MethodPost, "/flows", f)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape: %T", resp.Result)
	}
	if id, _ := result["id"].(string); id == "" {
		t.Error("expected generated flow ID in response")
	}
}

func TestCreateFlowRejectsMissingTenant(t *testing.T) {
	s, _, _ := newTestServer(t)

	f := testFlow("f1")
	f.TenantID = ""
	rec, _ := doJSON(t, s, http.MethodPost, "/flows", f)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create status = %d, want 400", rec.Code)
	}
}

func TestCreateFlowRejectsStructuralErrors(t *testing.T) {
	s, _, _ := newTestServer(t)

	f := testFlow("f1")
	f.StartNodeID = "missing"
	rec, _ := doJSON(t, s, http.MethodPost, "/flows", f)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create status = %d, want 400", rec.Code)
	}
}

func TestCreateFlowSurfacesWarnings(t *testing.T) {
	s, _, _ := newTestServer(t)

	// Dead-end message node: structurally valid but flagged.
	f := testFlow("f1")
	f.Nodes[1].Message.NextNodeID = ""
	f.Nodes = f.Nodes[:2]

	rec, resp := doJSON(t, s, http.MethodPost, "/flows", f)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(resp.Warnings) == 0 {
		t.Error("expected validation warnings in response")
	}
}

func TestListFlows(t *testing.T) {
	s, st, _ := newTestServer(t)
	if err := st.SaveFlow(testFlow("f1")); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	rec, _ := doJSON(t, s, http.MethodGet, "/flows?tenant_id=t1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/flows", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("list without tenant_id status = %d, want 400", rec.Code)
	}
}

func TestGetFlow(t *testing.T) {
	s, st, _ := newTestServer(t)
	if err := st.SaveFlow(testFlow("f1")); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	rec, _ := doJSON(t, s, http.MethodGet, "/flows/f1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	rec, _ = doJSON(t, s, http.MethodGet, "/flows/absent", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d, want 404", rec.Code)
	}
}

func TestUpdateFlowPreservesIdentity(t *testing.T) {
	s, st, _ := newTestServer(t)
	if err := st.SaveFlow(testFlow("f1")); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	updated := testFlow("f1")
	updated.Name = "renamed"
	updated.TenantID = "intruder"
	rec, _ := doJSON(t, s, http.MethodPut, "/flows/f1", updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}

	saved, _ := st.GetFlow("f1")
	if saved.Name != "renamed" {
		t.Errorf("name = %q, want renamed", saved.Name)
	}
	if saved.TenantID != "t1" {
		t.Errorf("tenant = %q, update must not change ownership", saved.TenantID)
	}

	rec, _ = doJSON(t, s, http.MethodPut, "/flows/absent", updated)
	if rec.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d, want 404", rec.Code)
	}
}

func TestActivateDeactivateFlow(t *testing.T) {
	s, st, _ := newTestServer(t)
	f := testFlow("f1")
	f.Active = false
	if err := st.SaveFlow(f); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	rec, _ := doJSON(t, s, http.MethodPost, "/flows/f1/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d", rec.Code)
	}
	saved, _ := st.GetFlow("f1")
	if !saved.Active {
		t.Error("flow should be active after activate")
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/flows/f1/deactivate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	saved, _ = st.GetFlow("f1")
	if saved.Active {
		t.Error("flow should be inactive after deactivate")
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/flows/absent/activate", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("activate missing status = %d, want 404", rec.Code)
	}
}

func TestFlowAnalyticsEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)
	if err := st.SaveFlow(testFlow("f1")); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	if err := st.RecordFlowTriggered("f1"); err != nil {
		t.Fatalf("RecordFlowTriggered failed: %v", err)
	}

	rec, resp := doJSON(t, s, http.MethodGet, "/flows/f1/analytics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("analytics status = %d", rec.Code)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result shape: %T", resp.Result)
	}
	if triggered, _ := result["triggered"].(float64); triggered != 1 {
		t.Errorf("triggered = %v, want 1", result["triggered"])
	}
}

func TestValidateFlowEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, resp := doJSON(t, s, http.MethodPost, "/flows/validate", testFlow("f1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("validate status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(resp.Warnings) != 0 {
		t.Errorf("unexpected warnings for clean flow: %v", resp.Warnings)
	}

	bad := testFlow("f1")
	bad.TriggerType = "bogus"
	rec, _ = doJSON(t, s, http.MethodPost, "/flows/validate", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("validate invalid flow status = %d, want 400", rec.Code)
	}
}

func TestWebhookRouteRegistration(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, _ := doJSON(t, s, http.MethodPost, "/webhook/twilio", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("webhook without handler status = %d, want 404", rec.Code)
	}

	called := false
	s.SetWebhookHandler(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	rec, _ = doJSON(t, s, http.MethodPost, "/webhook/twilio", nil)
	if rec.Code != http.StatusOK || !called {
		t.Errorf("webhook handler not invoked: status=%d called=%v", rec.Code, called)
	}
}
