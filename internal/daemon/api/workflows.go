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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/daemon/auth"
	"github.com/azapg/FAIR/internal/daemon/httputil"
	"github.com/azapg/FAIR/internal/manifest"
	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/schemas"
)

// WorkflowsHandler serves workflow and submission registration routes.
type WorkflowsHandler struct {
	backend backend.Backend
	reg     *registry.Registry
	logger  *slog.Logger
}

// NewWorkflowsHandler creates the handler.
func NewWorkflowsHandler(b backend.Backend, reg *registry.Registry, logger *slog.Logger) *WorkflowsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowsHandler{
		backend: b,
		reg:     reg,
		logger:  logger.With("component", "api.workflows"),
	}
}

// RegisterRoutes registers workflow routes on the router.
func (h *WorkflowsHandler) RegisterRoutes(r *Router) {
	r.Handle("GET /v1/workflows", http.HandlerFunc(h.handleList))
	r.Handle("GET /v1/workflows/schema", http.HandlerFunc(h.handleSchema))
	r.Handle("GET /v1/workflows/{id}", http.HandlerFunc(h.handleGet))
	r.HandleScoped("POST /v1/workflows", auth.ScopeWorkflowsWrite, http.HandlerFunc(h.handleCreate))
	r.HandleScoped("POST /v1/workflows/{id}/submissions", auth.ScopeWorkflowsWrite, http.HandlerFunc(h.handleCreateSubmission))
}

// handleList handles GET /v1/workflows.
func (h *WorkflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.backend.ListWorkflows(r.Context())
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// handleSchema handles GET /v1/workflows/schema. Editors use the schema
// to validate manifest YAML before uploading it.
func (h *WorkflowsHandler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	w.Write(schemas.GetWorkflowSchema())
}

// handleGet handles GET /v1/workflows/{id}.
func (h *WorkflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.backend.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, workflow)
}

// handleCreate handles POST /v1/workflows. The body is either a JSON
// workflow definition or YAML in the manifest format.
func (h *WorkflowsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	var def *manifest.Definition
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-yaml") || strings.HasPrefix(contentType, "text/yaml") {
		def, err = manifest.Parse(body)
	} else {
		def = &manifest.Definition{}
		err = json.Unmarshal(body, def)
	}
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid workflow definition: %v", err))
		return
	}

	if err := def.Validate(h.reg); err != nil {
		httputil.WriteTypedError(w, err)
		return
	}

	workflow := def.Workflow()
	if err := h.backend.PutWorkflow(r.Context(), workflow); err != nil {
		httputil.WriteTypedError(w, err)
		return
	}

	h.logger.Info("workflow saved", "workflow_id", workflow.ID)
	httputil.WriteJSON(w, http.StatusCreated, workflow)
}

// CreateSubmissionRequest is the request body for registering a submission.
type CreateSubmissionRequest struct {
	Submitter   backend.Submitter    `json:"submitter"`
	Assignment  backend.Assignment   `json:"assignment"`
	Attachments []backend.Attachment `json:"attachments,omitempty"`
	SubmittedAt *time.Time           `json:"submitted_at,omitempty"`
}

// handleCreateSubmission handles POST /v1/workflows/{id}/submissions.
func (h *WorkflowsHandler) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.backend.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteTypedError(w, err)
		return
	}

	var req CreateSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	submittedAt := time.Now().UTC()
	if req.SubmittedAt != nil {
		submittedAt = *req.SubmittedAt
	}

	sub := &backend.Submission{
		ID:          uuid.NewString(),
		WorkflowID:  workflow.ID,
		Submitter:   req.Submitter,
		Assignment:  req.Assignment,
		Attachments: req.Attachments,
		SubmittedAt: submittedAt,
		Status:      backend.SubmissionPending,
	}
	if err := h.backend.CreateSubmission(r.Context(), sub); err != nil {
		httputil.WriteTypedError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, sub)
}
