// Package api provides HTTP handlers and the main API server logic for ConvoFlow.
//
// It exposes RESTful endpoints for managing chatbot flows, inspecting and
// handing off sessions, and receiving provider webhooks.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/convoflow/convoflow/internal/flow"
	"github.com/convoflow/convoflow/internal/messaging"
	"github.com/convoflow/convoflow/internal/models"
	"github.com/convoflow/convoflow/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Server hosts the ConvoFlow HTTP API.
type Server struct {
	addr       string
	st         store.Store
	engine     *flow.Engine
	msgService messaging.Service
	webhook    http.HandlerFunc
}

// NewServer creates an API server over the given store, engine and messaging
// service. An empty addr falls back to DefaultAddr.
func NewServer(st store.Store, engine *flow.Engine, msgService messaging.Service, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:       addr,
		st:         st,
		engine:     engine,
		msgService: msgService,
	}
}

// SetWebhookHandler registers an inbound provider webhook (e.g. the Twilio
// form-post receiver) at POST /webhook/twilio.
func (s *Server) SetWebhookHandler(h http.HandlerFunc) {
	s.webhook = h
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("POST /flows", s.createFlowHandler)
	mux.HandleFunc("GET /flows", s.listFlowsHandler)
	mux.HandleFunc("POST /flows/validate", s.validateFlowHandler)
	mux.HandleFunc("GET /flows/{id}", s.getFlowHandler)
	mux.HandleFunc("PUT /flows/{id}", s.updateFlowHandler)
	mux.HandleFunc("POST /flows/{id}/activate", s.activateFlowHandler)
	mux.HandleFunc("POST /flows/{id}/deactivate", s.deactivateFlowHandler)
	mux.HandleFunc("GET /flows/{id}/analytics", s.flowAnalyticsHandler)
	mux.HandleFunc("POST /flows/{id}/start", s.startFlowHandler)

	mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/handoff", s.handoffSessionHandler)

	if s.webhook != nil {
		mux.HandleFunc("POST /webhook/twilio", s.webhook)
	}

	return mux
}

// Run serves the API until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ConvoFlow API listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("ConvoFlow API shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
