// Copyright 2025 The FAIR Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/daemon/auth"
	"github.com/azapg/FAIR/internal/daemon/httputil"
	"github.com/azapg/FAIR/internal/daemon/ws"
	"github.com/azapg/FAIR/internal/session"
	"github.com/azapg/FAIR/sdk"
)

// SessionsHandler serves the run lifecycle routes.
type SessionsHandler struct {
	manager  *session.Manager
	backend  backend.Backend
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewSessionsHandler creates the handler.
func NewSessionsHandler(m *session.Manager, b backend.Backend, logger *slog.Logger) *SessionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionsHandler{
		manager: m,
		backend: b,
		logger:  logger.With("component", "api.sessions"),
	}
}

// RegisterRoutes registers session routes on the router.
func (h *SessionsHandler) RegisterRoutes(r *Router) {
	r.HandleScoped("POST /v1/sessions", auth.ScopeSessionsWrite, http.HandlerFunc(h.handleCreate))
	r.HandleScoped("GET /v1/sessions/{id}", auth.ScopeSessionsRead, http.HandlerFunc(h.handleGet))
	r.HandleScoped("POST /v1/sessions/{id}/cancel", auth.ScopeSessionsWrite, http.HandlerFunc(h.handleCancel))
	r.HandleScoped("GET /v1/sessions/{id}/events", auth.ScopeSessionsRead, http.HandlerFunc(h.handleEvents))
	r.HandleScoped("GET /v1/sessions/{id}/ws", auth.ScopeSessionsRead, http.HandlerFunc(h.handleWebSocket))
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	WorkflowID    string   `json:"workflow_id"`
	SubmissionIDs []string `json:"submission_ids,omitempty"`
}

// handleCreate handles POST /v1/sessions.
func (h *SessionsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.WorkflowID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}

	runBy := "api"
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		runBy = p.ID
	}

	run, err := h.manager.CreateSession(r.Context(), req.WorkflowID, session.CreateOptions{
		RunBy:         runBy,
		SubmissionIDs: req.SubmissionIDs,
	})
	if err != nil {
		if errors.Is(err, session.ErrDraining) {
			w.Header().Set("Retry-After", "10")
			httputil.WriteError(w, http.StatusServiceUnavailable, "daemon is shutting down gracefully")
			return
		}
		httputil.WriteTypedError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, run)
}

// runView is a run plus the current status of its submissions.
type runView struct {
	*backend.Run
	Submissions []submissionView `json:"submissions,omitempty"`
}

type submissionView struct {
	ID         string                   `json:"id"`
	Status     backend.SubmissionStatus `json:"status"`
	DraftScore *float64                 `json:"draft_score,omitempty"`
}

// handleGet handles GET /v1/sessions/{id}.
func (h *SessionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.backend.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}

	view := runView{Run: run}
	for _, id := range run.SubmissionIDs {
		sub, err := h.backend.GetSubmission(r.Context(), id)
		if err != nil {
			continue
		}
		view.Submissions = append(view.Submissions, submissionView{
			ID:         sub.ID,
			Status:     sub.Status,
			DraftScore: sub.DraftScore,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// handleCancel handles POST /v1/sessions/{id}/cancel.
func (h *SessionsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, run)
}

// sseSink writes envelopes as server-sent events. Sends run on the
// session's dispatch goroutine; the handler goroutine only returns after
// detaching, so writes never race the handler exit.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
	done    chan struct{}
}

func (s *sseSink) Send(evt sdk.Envelope) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	if evt.Type == sdk.TypeClose {
		close(s.done)
	}
	return nil
}

// handleEvents handles GET /v1/sessions/{id}/events: ring replay, then
// live envelopes until the close envelope or client disconnect. Terminal
// runs that already left the session store stream their persisted history.
func (h *SessionsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Replay happens synchronously inside Attach, so the stream headers
	// must be in place first.
	if _, err := h.manager.Session(id); err != nil {
		h.streamHistory(w, r, id, flusher, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := &sseSink{w: w, flusher: flusher, ctx: r.Context(), done: make(chan struct{})}
	adapter, err := h.manager.Attach(id, sink)
	if err != nil {
		h.streamHistory(w, r, id, flusher, err)
		return
	}

	select {
	case <-sink.done:
	case <-r.Context().Done():
	}
	// Detach waits out any in-flight delivery, so no write can race the
	// handler returning.
	adapter.Detach()
}

// streamHistory replays the persisted envelope log of a terminal run whose
// session is gone.
func (h *SessionsHandler) streamHistory(w http.ResponseWriter, r *http.Request, id string, flusher http.Flusher, attachErr error) {
	run, err := h.backend.GetRun(r.Context(), id)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	if !run.Status.Terminal() {
		httputil.WriteTypedError(w, attachErr)
		return
	}

	entries, err := h.backend.GetRunLogs(r.Context(), id)
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for _, evt := range entries {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	data, _ := json.Marshal(sdk.NewClose(string(run.Status)))
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// handleWebSocket handles GET /v1/sessions/{id}/ws.
func (h *SessionsHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Probe before the upgrade so unknown runs get a clean HTTP error.
	if _, err := h.manager.Session(id); err != nil {
		httputil.WriteTypedError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := ws.NewClient(conn, h.logger)

	// After the close envelope is queued the connection can wind down;
	// the write pump flushes the queue before sending the close frame.
	sink := session.SinkFunc(func(evt sdk.Envelope) error {
		err := client.Send(evt)
		if err == nil && evt.Type == sdk.TypeClose {
			client.Close()
		}
		return err
	})

	// Pumps first, then attach, so a large ring replay drains into the
	// socket instead of overflowing the send buffer.
	go client.Run()

	adapter, err := h.manager.Attach(id, sink)
	if err != nil {
		client.Close()
		return
	}

	<-client.Done()
	adapter.Detach()
}
