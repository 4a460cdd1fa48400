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

// Package e2e runs the full daemon (memory backend) and drives it
// through the public HTTP API with the fair client.
package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/client"
	"github.com/azapg/FAIR/internal/config"
	"github.com/azapg/FAIR/internal/daemon"
)

// harness boots a daemon on a random port and hands out a client bound
// to it. The daemon shuts down with the test.
type harness struct {
	t      *testing.T
	daemon *daemon.Daemon
	client *client.Client

	// FilesDir holds submission attachment fixtures.
	FilesDir string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Daemon.TCPAddr = "127.0.0.1:0"
	cfg.Daemon.DataDir = t.TempDir()
	cfg.Daemon.Backend.Type = config.BackendMemory
	cfg.Daemon.Auth = config.AuthConfig{Enabled: false, ForceInsecure: true}
	cfg.Daemon.WorkflowsDir = t.TempDir()
	cfg.Daemon.ShutdownTimeout = 5 * time.Second
	cfg.Daemon.DrainTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d, err := daemon.New(ctx, cfg, daemon.Options{Version: "e2e"}, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	h := &harness{t: t, daemon: d, FilesDir: t.TempDir()}

	require.Eventually(t, func() bool {
		addr := d.Addr()
		if addr == "" {
			return false
		}
		h.client = client.New("http://"+addr, "")
		healthCtx, healthCancel := context.WithTimeout(context.Background(), time.Second)
		defer healthCancel()
		_, err := h.client.Health(healthCtx)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	return h
}

// applyWorkflow uploads a plaintext+keyword grading workflow.
func (h *harness) applyWorkflow(id string) {
	h.t.Helper()

	def := fmt.Sprintf(`
id: %s
name: Essay grading
transcriber:
  plugin: dev.fair.plaintext
  settings:
    include: "**/*.txt"
grader:
  plugin: dev.fair.keyword
  settings:
    keywords: alpha,beta
`, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.client.CreateWorkflowYAML(ctx, []byte(def))
	require.NoError(h.t, err)
}

// registerSubmission creates one submission with a text attachment.
func (h *harness) registerSubmission(workflowID, name, content string) string {
	h.t.Helper()

	path := filepath.Join(h.FilesDir, name+".txt")
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := h.client.RegisterSubmission(ctx, workflowID, client.SubmissionRequest{
		Submitter:  backend.Submitter{ID: name, Name: name, Synthetic: true},
		Assignment: backend.Assignment{ID: "hw-1", Title: "Homework 1", MaxScore: 100},
		Attachments: []backend.Attachment{{
			Title: name + ".txt",
			MIME:  "text/plain",
			Path:  path,
			Kind:  "local",
		}},
	})
	require.NoError(h.t, err)
	return sub.ID
}
