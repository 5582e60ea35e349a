// Package api provides HTTP handlers for session inspection and handoff.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/convoflow/convoflow/internal/flow"
	"github.com/convoflow/convoflow/internal/models"
)

// listSessionsHandler handles GET /sessions?conversation_id=.
func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: conversation_id"))
		return
	}

	sessions, err := s.st.ListSessionsByConversation(conversationID)
	if err != nil {
		slog.Error("listSessionsHandler failed", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list sessions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

// getSessionHandler handles GET /sessions/{id}.
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sess, err := s.st.GetSession(sessionID)
	if err != nil {
		slog.Error("getSessionHandler failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// handoffRequest is the body for POST /sessions/{id}/handoff.
type handoffRequest struct {
	Reason string `json:"reason"`
}

// handoffSessionHandler handles POST /sessions/{id}/handoff, transferring an
// active session to a human operator.
func (s *Server) handoffSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	sessionID := r.PathValue("id")
	slog.Debug("handoffSessionHandler invoked", "sessionID", sessionID)

	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("handoffSessionHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if err := s.engine.HandoffToAgent(r.Context(), sessionID, req.Reason); err != nil {
		switch {
		case errors.Is(err, flow.ErrSessionNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		case errors.Is(err, flow.ErrSessionTerminal):
			writeJSONResponse(w, http.StatusConflict, models.Error("Session is already terminal"))
		default:
			slog.Error("handoffSessionHandler failed", "error", err, "sessionID", sessionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to hand off session"))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session handed off to agent", nil))
}
