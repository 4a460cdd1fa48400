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

// Package client is the HTTP client for the faird API, used by the fair
// CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/sdk"
)

// DefaultBaseURL is where a local daemon listens by default.
const DefaultBaseURL = "http://127.0.0.1:7600"

// Client talks to one daemon.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New creates a client. An empty baseURL means DefaultBaseURL; token may
// be empty for daemons running without auth.
func New(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// do sends one JSON request and decodes the response into out when
// non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// Health checks the daemon and returns its version.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// RunView is a run plus per-submission statuses, as served by the
// session view route.
type RunView struct {
	backend.Run
	Submissions []SubmissionStatus `json:"submissions,omitempty"`
}

// SubmissionStatus is one submission's place in the pipeline.
type SubmissionStatus struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	DraftScore *float64 `json:"draft_score,omitempty"`
}

// CreateSession starts a grading run over a workflow's submissions.
func (c *Client) CreateSession(ctx context.Context, workflowID string, submissionIDs []string) (*backend.Run, error) {
	var run backend.Run
	err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]any{
		"workflow_id":    workflowID,
		"submission_ids": submissionIDs,
	}, &run)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetSession fetches the run view.
func (c *Client) GetSession(ctx context.Context, id string) (*RunView, error) {
	var view RunView
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// CancelSession requests cancellation.
func (c *Client) CancelSession(ctx context.Context, id string) (*backend.Run, error) {
	var run backend.Run
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListWorkflows fetches the stored workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]*backend.Workflow, error) {
	var out struct {
		Workflows []*backend.Workflow `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workflows", nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// GetWorkflow fetches one workflow.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*backend.Workflow, error) {
	var wf backend.Workflow
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+id, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// CreateWorkflowYAML uploads a YAML workflow definition.
func (c *Client) CreateWorkflowYAML(ctx context.Context, definition []byte) (*backend.Workflow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/workflows", bytes.NewReader(definition))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-yaml")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeAPIError(resp)
	}
	var wf backend.Workflow
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// SubmissionRequest registers one submission for grading.
type SubmissionRequest struct {
	Submitter   backend.Submitter    `json:"submitter"`
	Assignment  backend.Assignment   `json:"assignment"`
	Attachments []backend.Attachment `json:"attachments,omitempty"`
	SubmittedAt *time.Time           `json:"submitted_at,omitempty"`
}

// RegisterSubmission registers a submission under a workflow.
func (c *Client) RegisterSubmission(ctx context.Context, workflowID string, req SubmissionRequest) (*backend.Submission, error) {
	var sub backend.Submission
	if err := c.do(ctx, http.MethodPost, "/v1/workflows/"+workflowID+"/submissions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// WorkflowSchema fetches the JSON Schema for workflow definitions.
func (c *Client) WorkflowSchema(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/workflows/schema", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

// ListPlugins fetches the plugin catalog.
func (c *Client) ListPlugins(ctx context.Context) ([]sdk.Manifest, error) {
	var out struct {
		Plugins []sdk.Manifest `json:"plugins"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/plugins", nil, &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}
