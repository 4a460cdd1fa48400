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
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/config"
	"github.com/azapg/FAIR/internal/plugins"
)

func TestWorkflowRoutes(t *testing.T) {
	h := newHarness(t, insecureAuth())
	h.seedWorkflow(t, 0)

	t.Run("list", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/v1/workflows", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Count     int                 `json:"count"`
			Workflows []*backend.Workflow `json:"workflows"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, 1, out.Count)
		assert.Equal(t, "essay-101", out.Workflows[0].ID)
	})

	t.Run("get", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/v1/workflows/essay-101", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var wf backend.Workflow
		require.NoError(t, json.Unmarshal(body, &wf))
		assert.Equal(t, plugins.PlaintextID, wf.Transcriber.Plugin)
	})

	t.Run("get unknown", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodGet, "/v1/workflows/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("schema", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/v1/workflows/schema", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var schema map[string]any
		require.NoError(t, json.Unmarshal(body, &schema))
		assert.Contains(t, schema, "$schema")
		assert.Equal(t, "FAIR Workflow Definition", schema["title"])
	})
}

func TestCreateWorkflowJSON(t *testing.T) {
	h := newHarness(t, insecureAuth())

	resp, body := h.doJSON(t, http.MethodPost, "/v1/workflows", map[string]any{
		"id":   "quiz-1",
		"name": "Quiz",
		"grader": map[string]any{
			"plugin":   plugins.KeywordID,
			"settings": map[string]any{"keywords": "osmosis"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var wf backend.Workflow
	require.NoError(t, json.Unmarshal(body, &wf))
	assert.Equal(t, "quiz-1", wf.ID)
	assert.Equal(t, "Quiz", wf.Name)
}

func TestCreateWorkflowYAML(t *testing.T) {
	h := newHarness(t, insecureAuth())

	def := `
id: lab-report
name: Lab report grading
grader:
  plugin: dev.fair.keyword
  settings:
    keywords: hypothesis,method
`
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/workflows", strings.NewReader(def))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-yaml")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	getResp, body := h.doJSON(t, http.MethodGet, "/v1/workflows/lab-report", nil)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Contains(t, string(body), "Lab report grading")
}

func TestCreateWorkflowRejectsInvalid(t *testing.T) {
	h := newHarness(t, insecureAuth())

	t.Run("bad id", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost, "/v1/workflows", map[string]any{
			"id": "Not Valid!", "name": "x",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown plugin", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost, "/v1/workflows", map[string]any{
			"id":   "wf-x",
			"name": "x",
			"grader": map[string]any{
				"plugin": "dev.fair.imaginary",
			},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRegisterSubmission(t *testing.T) {
	h := newHarness(t, insecureAuth())
	h.seedWorkflow(t, 0)

	resp, body := h.doJSON(t, http.MethodPost, "/v1/workflows/essay-101/submissions", map[string]any{
		"submitter":  map[string]any{"id": "s9", "name": "Student Nine"},
		"assignment": map[string]any{"id": "essay-101", "title": "Essay", "max_score": 50},
		"attachments": []map[string]any{{
			"title":        "essay.txt",
			"mime":         "text/plain",
			"storage_path": "/tmp/essay.txt",
			"storage_kind": "local",
		}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var sub backend.Submission
	require.NoError(t, json.Unmarshal(body, &sub))
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, backend.SubmissionPending, sub.Status)
	assert.Equal(t, "essay-101", sub.WorkflowID)

	t.Run("unknown workflow", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost, "/v1/workflows/nope/submissions", map[string]any{
			"submitter": map[string]any{"id": "s9", "name": "Student Nine"},
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPluginCatalog(t *testing.T) {
	h := newHarness(t, insecureAuth())

	resp, body := h.doJSON(t, http.MethodGet, "/v1/plugins", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Count   int               `json:"count"`
		Plugins []json.RawMessage `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 4, out.Count)
	assert.Contains(t, string(body), plugins.PlaintextID)
	assert.Contains(t, string(body), plugins.KeywordID)
	assert.Contains(t, string(body), plugins.ExprcheckID)
	assert.Contains(t, string(body), plugins.JqcheckID)
}

func TestHealthAndAuth(t *testing.T) {
	h := newHarness(t, config.AuthConfig{Enabled: true, Token: "s3cret"})
	h.seedWorkflow(t, 0)

	t.Run("healthz is public", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "ok")
	})

	t.Run("v1 requires a token", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodGet, "/v1/workflows", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("v1 accepts the token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/workflows", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer s3cret")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
