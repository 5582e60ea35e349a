// Package api provides HTTP handlers for flow management.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/convoflow/convoflow/internal/flow"
	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/util"
)

// createFlowHandler handles POST /flows.
func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("createFlowHandler invoked", "method", r.Method, "path", r.URL.Path)

	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("createFlowHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if f.TenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: tenant_id"))
		return
	}
	if f.ID == "" {
		f.ID = util.GenerateFlowID()
	}

	if err := f.Validate(); err != nil {
		slog.Warn("createFlowHandler validation failed", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	warnings := flow.ValidateFlow(&f)

	if err := s.st.SaveFlow(f); err != nil {
		slog.Error("createFlowHandler save failed", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}

	slog.Info("createFlowHandler flow created", "flowID", f.ID, "tenantID", f.TenantID, "warnings", len(warnings))
	resp := models.NewAPIResponseBuilder().
		WithStatus(models.APIStatusOK).
		WithResult(f).
		WithWarnings(warnings).
		Build()
	writeJSONResponse(w, http.StatusCreated, resp)
}

// listFlowsHandler handles GET /flows?tenant_id=.
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: tenant_id"))
		return
	}

	flows, err := s.st.ListFlows(tenantID)
	if err != nil {
		slog.Error("listFlowsHandler failed", "error", err, "tenantID", tenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

// getFlowHandler handles GET /flows/{id}.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")

	f, err := s.st.GetFlow(flowID)
	if err != nil {
		slog.Error("getFlowHandler failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

// updateFlowHandler handles PUT /flows/{id}.
func (s *Server) updateFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	flowID := r.PathValue("id")
	slog.Debug("updateFlowHandler invoked", "flowID", flowID)

	existing, err := s.st.GetFlow(flowID)
	if err != nil {
		slog.Error("updateFlowHandler lookup failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if existing == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}

	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("updateFlowHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	// Identity and ownership are fixed at creation.
	f.ID = flowID
	f.TenantID = existing.TenantID

	if err := f.Validate(); err != nil {
		slog.Warn("updateFlowHandler validation failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	warnings := flow.ValidateFlow(&f)

	if err := s.st.SaveFlow(f); err != nil {
		slog.Error("updateFlowHandler save failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}

	slog.Info("updateFlowHandler flow updated", "flowID", flowID, "warnings", len(warnings))
	resp := models.NewAPIResponseBuilder().
		WithStatus(models.APIStatusOK).
		WithResult(f).
		WithWarnings(warnings).
		Build()
	writeJSONResponse(w, http.StatusOK, resp)
}

// activateFlowHandler handles POST /flows/{id}/activate.
func (s *Server) activateFlowHandler(w http.ResponseWriter, r *http.Request) {
	s.setFlowActive(w, r, true)
}

// deactivateFlowHandler handles POST /flows/{id}/deactivate.
func (s *Server) deactivateFlowHandler(w http.ResponseWriter, r *http.Request) {
	s.setFlowActive(w, r, false)
}

func (s *Server) setFlowActive(w http.ResponseWriter, r *http.Request, active bool) {
	flowID := r.PathValue("id")
	slog.Debug("setFlowActive invoked", "flowID", flowID, "active", active)

	if err := s.st.SetFlowActive(flowID, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
			return
		}
		slog.Error("setFlowActive failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update flow"))
		return
	}

	msg := "Flow deactivated"
	if active {
		msg = "Flow activated"
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(msg, nil))
}

// flowAnalyticsHandler handles GET /flows/{id}/analytics.
func (s *Server) flowAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")

	f, err := s.st.GetFlow(flowID)
	if err != nil {
		slog.Error("flowAnalyticsHandler failed", "error", err, "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f.Analytics))
}

// validateFlowHandler handles POST /flows/validate. It never persists; it
// returns structural errors as a 400 and advisory warnings on success.
func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("validateFlowHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if err := f.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	warnings := flow.ValidateFlow(&f)
	resp := models.NewAPIResponseBuilder().
		WithStatus(models.APIStatusOK).
		WithMessage("Flow is valid").
		WithWarnings(warnings).
		Build()
	writeJSONResponse(w, http.StatusOK, resp)
}

// startFlowRequest is the body for POST /flows/{id}/start.
type startFlowRequest struct {
	ConversationID string `json:"conversation_id"`
}

// startFlowHandler handles POST /flows/{id}/start, the manual operator trigger.
func (s *Server) startFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	flowID := r.PathValue("id")
	slog.Debug("startFlowHandler invoked", "flowID", flowID)

	var req startFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("startFlowHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ConversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: conversation_id"))
		return
	}

	result, err := s.engine.StartFlow(r.Context(), flowID, req.ConversationID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrActiveSessionExists):
			writeJSONResponse(w, http.StatusConflict, models.Error("Conversation already has an active session"))
		case errors.Is(err, store.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		default:
			slog.Error("startFlowHandler failed", "error", err, "flowID", flowID, "conversationID", req.ConversationID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start flow"))
		}
		return
	}

	slog.Info("startFlowHandler flow started", "flowID", flowID, "conversationID", req.ConversationID, "sessionID", result.SessionID)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}
