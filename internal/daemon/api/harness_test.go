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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/backend/memory"
	"github.com/azapg/FAIR/internal/config"
	"github.com/azapg/FAIR/internal/daemon/auth"
	"github.com/azapg/FAIR/internal/plugins"
	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/internal/session"
)

// harness spins up the full API surface over a memory backend with the
// built-in plugins.
type harness struct {
	backend *memory.Backend
	reg     *registry.Registry
	manager *session.Manager
	router  *Router
	srv     *httptest.Server
}

func newHarness(t *testing.T, authCfg config.AuthConfig) *harness {
	t.Helper()

	b := memory.New()
	reg := registry.New()
	require.NoError(t, plugins.RegisterBuiltins(reg))

	cfg := config.Default().Engine
	manager := session.NewManager(b, reg, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Stop(ctx)
		b.Close()
	})

	router := NewRouter(RouterConfig{Version: "test"})
	mw, err := auth.NewMiddleware(authCfg, nil)
	require.NoError(t, err)
	router.SetAuthMiddleware(mw)

	NewSessionsHandler(manager, b, nil).RegisterRoutes(router)
	NewWorkflowsHandler(b, reg, nil).RegisterRoutes(router)
	NewPluginsHandler(reg).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &harness{backend: b, reg: reg, manager: manager, router: router, srv: srv}
}

// seedWorkflow stores a plaintext+keyword workflow and n submissions whose
// attachments contain both keywords.
func (h *harness) seedWorkflow(t *testing.T, n int) *backend.Workflow {
	t.Helper()
	ctx := context.Background()

	workflow := &backend.Workflow{
		ID:   "essay-101",
		Name: "Essay grading",
		Transcriber: &backend.PluginConfig{
			Plugin:   plugins.PlaintextID,
			Settings: map[string]any{"include": "**/*.txt"},
		},
		Grader: &backend.PluginConfig{
			Plugin:   plugins.KeywordID,
			Settings: map[string]any{"keywords": "alpha,beta"},
		},
	}
	require.NoError(t, h.backend.PutWorkflow(ctx, workflow))

	dir := t.TempDir()
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, uuid.NewString()+".txt")
		require.NoError(t, os.WriteFile(path, []byte("alpha beta gamma"), 0o644))

		sub := &backend.Submission{
			ID:         uuid.NewString(),
			WorkflowID: workflow.ID,
			Submitter:  backend.Submitter{ID: "s1", Name: "Student One"},
			Assignment: backend.Assignment{ID: workflow.ID, Title: workflow.Name, MaxScore: 100},
			Attachments: []backend.Attachment{{
				Title: filepath.Base(path),
				MIME:  "text/plain",
				Path:  path,
				Kind:  "local",
			}},
			SubmittedAt: time.Now().UTC(),
			Status:      backend.SubmissionPending,
		}
		require.NoError(t, h.backend.CreateSubmission(ctx, sub))
	}
	return workflow
}

func (h *harness) doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

// waitRunTerminal polls the run view until it reaches a terminal status.
func (h *harness) waitRunTerminal(t *testing.T, runID string) *backend.Run {
	t.Helper()

	var run *backend.Run
	require.Eventually(t, func() bool {
		r, err := h.backend.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func insecureAuth() config.AuthConfig {
	return config.AuthConfig{Enabled: false, ForceInsecure: true}
}
