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

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/config"
	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/pkg/errors"
)

// ErrDraining is returned by CreateSession while the manager refuses new
// sessions during shutdown.
var ErrDraining = errors.New("session manager is draining")

// CreateOptions parameterize a new session.
type CreateOptions struct {
	// RunBy records who started the run.
	RunBy string

	// SubmissionIDs restricts the run to a subset. Empty means every
	// submission currently registered on the workflow.
	SubmissionIDs []string
}

// Manager is the engine entry point: it creates sessions, hands out
// attachments, cancels runs and supervises the runner goroutines. The
// daemon owns exactly one.
type Manager struct {
	backend backend.Backend
	reg     *registry.Registry
	store   *Store
	cfg     config.EngineConfig
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	wg sync.WaitGroup

	mu       sync.Mutex
	draining bool
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithMetrics wires an engine metrics sink.
func WithMetrics(m Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithTracer wires a tracer for session and stage spans.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(mgr *Manager) { mgr.tracer = t }
}

// NewManager creates a manager on top of the gateway and plugin registry.
func NewManager(b backend.Backend, reg *registry.Registry, cfg config.EngineConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		backend: b,
		reg:     reg,
		store:   NewStore(cfg.SessionEvictGrace),
		cfg:     cfg,
		logger:  logger,
		metrics: NopMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SweepStaleRuns fails runs left in a non-terminal state by a previous
// process. Sessions are not resumable; a run that was live when the engine
// died cannot be continued. Called once at daemon boot.
func (m *Manager) SweepStaleRuns(ctx context.Context) error {
	for _, status := range []backend.RunStatus{backend.RunRunning, backend.RunPending} {
		runs, err := m.backend.ListRuns(ctx, backend.RunFilter{Status: status})
		if err != nil {
			return fmt.Errorf("failed to list %s runs: %w", status, err)
		}
		for _, run := range runs {
			finished := time.Now().UTC()
			failure := backend.RunFailure
			reason := "engine restarted"
			if _, err := m.backend.UpdateRun(ctx, run.ID, backend.RunUpdate{
				Status:        &failure,
				FailureReason: &reason,
				FinishedAt:    &finished,
			}); err != nil {
				return fmt.Errorf("failed to sweep run %s: %w", run.ID, err)
			}
			m.logger.Warn("swept stale run", "run_id", run.ID, "previous_status", string(status))
		}
	}
	return nil
}

// CreateSession creates a pending run for the workflow, builds its session
// and spawns the runner. The run view is returned immediately; progress
// streams through the session.
func (m *Manager) CreateSession(ctx context.Context, workflowID string, opts CreateOptions) (*backend.Run, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, ErrDraining
	}
	m.mu.Unlock()

	workflow, err := m.backend.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	submissionIDs := opts.SubmissionIDs
	if len(submissionIDs) == 0 {
		subs, err := m.backend.ListSubmissions(ctx, workflow.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list submissions: %w", err)
		}
		submissionIDs = make([]string, len(subs))
		for i, sub := range subs {
			submissionIDs[i] = sub.ID
		}
	}

	run := &backend.Run{
		ID:            uuid.NewString(),
		WorkflowID:    workflow.ID,
		RunBy:         opts.RunBy,
		Status:        backend.RunPending,
		SubmissionIDs: submissionIDs,
	}
	if err := m.backend.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	sess := New(run.ID, workflow.ID, m.backend, Options{
		LogBufferSize:        m.cfg.LogBufferSize,
		StrictLogPersistence: m.cfg.LogPersistence == config.LogStrict,
		Logger:               m.logger,
		Metrics:              m.metrics,
	})
	m.store.Put(sess)

	runner := NewRunner(m.backend, m.reg, sess, RunnerConfig{
		Parallelism:          m.cfg.Parallelism,
		PluginCallTimeout:    m.cfg.PluginCallTimeout,
		StrictLogPersistence: m.cfg.LogPersistence == config.LogStrict,
	}, m.logger, m.metrics, m.tracer)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runner.Run(sess.Context())
		m.store.MarkTerminal(run.ID)
	}()

	m.logger.Info("session created",
		"run_id", run.ID,
		"workflow_id", workflow.ID,
		"submissions", len(submissionIDs))
	return run, nil
}

// Session returns the live session for runID.
func (m *Manager) Session(runID string) (*Session, error) {
	return m.store.Get(runID)
}

// Attach subscribes sink to a live session: ring replay first, then live
// envelopes. Unknown or evicted runs yield a NotFoundError.
func (m *Manager) Attach(runID string, sink Sink) (*SubscriptionAdapter, error) {
	sess, err := m.store.Get(runID)
	if err != nil {
		return nil, err
	}
	return sess.Attach(sink), nil
}

// Cancel requests cancellation of a run. Idempotent: terminal runs just
// return their current state.
func (m *Manager) Cancel(ctx context.Context, runID string) (*backend.Run, error) {
	run, err := m.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	if sess, serr := m.store.Get(runID); serr == nil {
		sess.Cancel()
	}
	return run, nil
}

// StartDraining makes CreateSession refuse new work. Attach and Cancel
// keep working so subscribers can observe the wind-down.
func (m *Manager) StartDraining() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	m.logger.Info("session manager draining")
}

// Draining reports whether new sessions are refused.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// ActiveSessions reports the number of sessions in the store, including
// terminal ones inside their eviction grace.
func (m *Manager) ActiveSessions() int {
	return m.store.Len()
}

// Stop shuts the engine down: refuse new sessions, cancel active runs,
// wait for runner goroutines within ctx, then evict the store.
func (m *Manager) Stop(ctx context.Context) error {
	m.StartDraining()

	m.store.Range(func(s *Session) { s.Cancel() })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = &errors.TimeoutError{
			Operation: "session drain",
			Cause:     ctx.Err(),
		}
	}

	m.store.Close(ctx)
	m.logger.Info("session manager stopped")
	return waitErr
}
