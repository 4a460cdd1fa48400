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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/backend/memory"
	"github.com/azapg/FAIR/internal/config"
	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/pkg/errors"
	"github.com/azapg/FAIR/sdk"
)

// Test plugin ids.
const (
	idTranscriber = "test.transcriber"
	idGrader      = "test.grader"
	idValidator   = "test.validator"
)

type stubTranscriber struct {
	mu          sync.Mutex
	seen        []string
	failIDs     map[string]bool
	panicIDs    map[string]bool
	delay       time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (s *stubTranscriber) Configure(settings sdk.Settings, logger sdk.Logger) error { return nil }

func (s *stubTranscriber) Transcribe(ctx context.Context, sub sdk.Submission) (sdk.Transcription, error) {
	cur := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		max := s.maxInflight.Load()
		if cur <= max || s.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return sdk.Transcription{}, ctx.Err()
		}
	}

	s.mu.Lock()
	s.seen = append(s.seen, sub.ID)
	s.mu.Unlock()

	if s.panicIDs[sub.ID] {
		panic("transcriber exploded")
	}
	if s.failIDs[sub.ID] {
		return sdk.Transcription{}, errors.New("unreadable attachment")
	}
	return sdk.Transcription{Text: "text of " + sub.ID, Confidence: 0.9}, nil
}

type stubGrader struct {
	mu   sync.Mutex
	seen []string
	fail bool
}

func (g *stubGrader) Configure(settings sdk.Settings, logger sdk.Logger) error { return nil }

func (g *stubGrader) Grade(ctx context.Context, sub sdk.TranscribedSubmission) (sdk.GradeResult, error) {
	g.mu.Lock()
	g.seen = append(g.seen, sub.Submission.ID)
	g.mu.Unlock()

	if g.fail {
		return sdk.GradeResult{}, errors.New("rubric unavailable")
	}
	return sdk.GradeResult{
		Score:    80,
		MaxScore: sub.Submission.Assignment.MaxScore,
		Feedback: "graded " + sub.Submission.ID,
	}, nil
}

type stubValidator struct {
	fail bool
}

func (v *stubValidator) Configure(settings sdk.Settings, logger sdk.Logger) error { return nil }

func (v *stubValidator) ValidateOne(ctx context.Context, graded sdk.GradedSubmission) (sdk.Annotation, error) {
	if v.fail {
		return nil, errors.New("validation backend down")
	}
	return sdk.Annotation{
		idValidator: map[string]any{"passed": graded.Grade.Score <= graded.Grade.MaxScore},
	}, nil
}

// engine bundles a manager with its dependencies for pipeline tests.
type engine struct {
	manager *Manager
	backend backend.Backend
	reg     *registry.Registry

	transcriber *stubTranscriber
	grader      *stubGrader
	validator   *stubValidator
}

func testManifest(id string, kind sdk.Kind) sdk.Manifest {
	return sdk.Manifest{ID: id, Name: id, Kind: kind}
}

func newEngine(t *testing.T, mutate func(*config.EngineConfig)) *engine {
	t.Helper()

	cfg := config.EngineConfig{
		Parallelism:       4,
		LogBufferSize:     1000,
		SessionEvictGrace: 500 * time.Millisecond,
		LogPersistence:    config.LogBestEffort,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return newEngineWithBackend(t, memory.New(), cfg)
}

func newEngineWithBackend(t *testing.T, b backend.Backend, cfg config.EngineConfig) *engine {
	t.Helper()

	e := &engine{
		backend:     b,
		reg:         registry.New(),
		transcriber: &stubTranscriber{},
		grader:      &stubGrader{},
		validator:   &stubValidator{},
	}
	require.NoError(t, e.reg.Register(testManifest(idTranscriber, sdk.KindTranscription),
		func() sdk.Plugin { return e.transcriber }))
	require.NoError(t, e.reg.Register(testManifest(idGrader, sdk.KindGrade),
		func() sdk.Plugin { return e.grader }))
	require.NoError(t, e.reg.Register(testManifest(idValidator, sdk.KindValidation),
		func() sdk.Plugin { return e.validator }))

	e.manager = NewManager(b, e.reg, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.manager.Stop(ctx)
		_ = b.Close()
	})
	return e
}

// seed creates a workflow with n submissions. mutate may strip pipeline
// slots.
func (e *engine) seed(t *testing.T, n int, mutate func(*backend.Workflow)) *backend.Workflow {
	t.Helper()
	ctx := context.Background()

	wf := &backend.Workflow{
		ID:          "wf-1",
		Name:        "Essay grading",
		Transcriber: &backend.PluginConfig{Plugin: idTranscriber},
		Grader:      &backend.PluginConfig{Plugin: idGrader},
		Validators:  []backend.PluginConfig{{Plugin: idValidator}},
	}
	if mutate != nil {
		mutate(wf)
	}
	require.NoError(t, e.backend.PutWorkflow(ctx, wf))

	for i := 0; i < n; i++ {
		require.NoError(t, e.backend.CreateSubmission(ctx, &backend.Submission{
			ID:         fmt.Sprintf("sub-%d", i),
			WorkflowID: wf.ID,
			Submitter:  backend.Submitter{ID: fmt.Sprintf("student-%d", i), Name: fmt.Sprintf("Student %d", i)},
			Assignment: backend.Assignment{ID: "hw-1", Title: "Essay", MaxScore: 100},
			Status:     backend.SubmissionPending,
		}))
	}
	return wf
}

func waitTerminal(t *testing.T, b backend.Backend, runID string) *backend.Run {
	t.Helper()
	var run *backend.Run
	require.Eventually(t, func() bool {
		r, err := b.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestRunHappyPath(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, 3, nil)
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{RunBy: "teacher-1"})
	require.NoError(t, err)
	assert.Equal(t, backend.RunPending, run.Status)
	assert.Len(t, run.SubmissionIDs, 3)

	sink := newCollectSink()
	_, err = e.manager.Attach(run.ID, sink)
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	assert.Empty(t, final.FailureReason)

	sink.waitClosed(t)
	events := sink.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, sdk.TypeClose, last.Type)
	assert.Equal(t, ReasonCompleted, last.Reason)

	// All three submissions ended graded with drafts and results.
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sub-%d", i)
		sub, err := e.backend.GetSubmission(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, backend.SubmissionGraded, sub.Status)
		require.NotNil(t, sub.DraftScore)
		assert.Equal(t, float64(80), *sub.DraftScore)
		assert.Equal(t, "graded "+id, sub.DraftFeedback)
		assert.Equal(t, run.ID, sub.OfficialRunID)

		result, err := e.backend.GetResult(ctx, id, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "text of "+id, result.Transcription)
		require.NotNil(t, result.Score)
		assert.Equal(t, float64(80), *result.Score)
		assert.Equal(t, idGrader, result.GradingMeta["grader"])

		// Validator annotation merged without clobbering grader meta.
		annotation, ok := result.GradingMeta[idValidator].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, annotation["passed"])

		events, err := e.backend.ListSubmissionEvents(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, backend.EventAIGraded, events[0].EventType)
		assert.Equal(t, run.ID, events[0].RunID)
	}
}

func TestRunOneItemFailureIsIsolated(t *testing.T) {
	e := newEngine(t, nil)
	e.transcriber.failIDs = map[string]bool{"sub-1": true}
	e.seed(t, 3, nil)
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)

	failed, err := e.backend.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, backend.SubmissionFailure, failed.Status)
	assert.Nil(t, failed.DraftScore)
	// The run claimed the submission before it failed.
	assert.Equal(t, run.ID, failed.OfficialRunID)

	for _, id := range []string{"sub-0", "sub-2"} {
		sub, err := e.backend.GetSubmission(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, backend.SubmissionGraded, sub.Status)
	}

	// The failed item never reached the grader.
	e.grader.mu.Lock()
	defer e.grader.mu.Unlock()
	assert.NotContains(t, e.grader.seen, "sub-1")
	assert.Len(t, e.grader.seen, 2)
}

func TestRunPluginPanicIsIsolated(t *testing.T) {
	e := newEngine(t, nil)
	e.transcriber.panicIDs = map[string]bool{"sub-0": true}
	e.seed(t, 2, nil)

	run, err := e.manager.CreateSession(context.Background(), "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)

	sub, err := e.backend.GetSubmission(context.Background(), "sub-0")
	require.NoError(t, err)
	assert.Equal(t, backend.SubmissionFailure, sub.Status)
}

func TestRunFailureLogNamesSubmitter(t *testing.T) {
	e := newEngine(t, nil)
	e.transcriber.failIDs = map[string]bool{"sub-1": true}
	e.seed(t, 2, nil)

	run, err := e.manager.CreateSession(context.Background(), "wf-1", CreateOptions{})
	require.NoError(t, err)

	sink := newCollectSink()
	_, err = e.manager.Attach(run.ID, sink)
	require.NoError(t, err)

	waitTerminal(t, e.backend, run.ID)
	sink.waitClosed(t)

	// The error envelope identifies the submitter, not the submission id.
	var found bool
	for _, evt := range sink.snapshot() {
		if evt.Type != sdk.TypeLog || evt.Level != sdk.LevelError {
			continue
		}
		if evt.Message() == "Transcription failed for Student 1: unreadable attachment" {
			found = true
			assert.Equal(t, idTranscriber, evt.PluginID())
		}
	}
	assert.True(t, found, "no error envelope naming the submitter")
}

func TestRunProcessingUpdateClaimsSubmissions(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, 2, nil)

	run, err := e.manager.CreateSession(context.Background(), "wf-1", CreateOptions{})
	require.NoError(t, err)

	sink := newCollectSink()
	_, err = e.manager.Attach(run.ID, sink)
	require.NoError(t, err)

	waitTerminal(t, e.backend, run.ID)
	sink.waitClosed(t)

	// The processing transition announces one object per submission, each
	// carrying the official run id alongside the status.
	var found bool
	for _, evt := range sink.snapshot() {
		if evt.Type != sdk.TypeUpdate || evt.Object != sdk.ObjectSubmissions {
			continue
		}
		changes, ok := evt.Payload.([]map[string]any)
		require.True(t, ok, "submissions update payload is not an array of objects")
		for _, change := range changes {
			assert.Contains(t, change, "id")
			if change["status"] != string(backend.SubmissionProcessing) {
				continue
			}
			found = true
			assert.Equal(t, run.ID, change["official_run_id"])
		}
	}
	assert.True(t, found, "no processing update observed")
}

func TestRunMissingTranscriber(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, 2, func(wf *backend.Workflow) { wf.Transcriber = nil })
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{})
	require.NoError(t, err)

	sink := newCollectSink()
	_, err = e.manager.Attach(run.ID, sink)
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunFailure, final.Status)
	assert.Equal(t, ReasonMissingTranscriber, final.FailureReason)
	require.NotNil(t, final.FinishedAt)

	sink.waitClosed(t)
	events := sink.snapshot()
	assert.Equal(t, ReasonMissingTranscriber, events[len(events)-1].Reason)

	for _, id := range []string{"sub-0", "sub-1"} {
		sub, err := e.backend.GetSubmission(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, backend.SubmissionFailure, sub.Status)
	}
}

func TestRunTranscriptionOnlyWorkflow(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, 2, func(wf *backend.Workflow) { wf.Grader = nil })
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{})
	require.NoError(t, err)

	sink := newCollectSink()
	_, err = e.manager.Attach(run.ID, sink)
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)
	assert.Empty(t, final.FailureReason)

	sink.waitClosed(t)
	events := sink.snapshot()
	assert.Equal(t, ReasonCompleted, events[len(events)-1].Reason)

	// Submissions stop at transcribed; no grades, no drafts.
	for _, id := range []string{"sub-0", "sub-1"} {
		sub, err := e.backend.GetSubmission(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, backend.SubmissionTranscribed, sub.Status)
		assert.Nil(t, sub.DraftScore)

		result, err := e.backend.GetResult(ctx, id, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "text of "+id, result.Transcription)
		assert.Nil(t, result.Score)
	}

	// Neither the grader nor the validators ran.
	e.grader.mu.Lock()
	defer e.grader.mu.Unlock()
	assert.Empty(t, e.grader.seen)
}

func TestRunGraderFailureFailsItemsNotRun(t *testing.T) {
	e := newEngine(t, nil)
	e.grader.fail = true
	e.seed(t, 2, nil)
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)

	for _, id := range []string{"sub-0", "sub-1"} {
		sub, err := e.backend.GetSubmission(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, backend.SubmissionFailure, sub.Status)

		// Transcription survived in the result row.
		result, err := e.backend.GetResult(ctx, id, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "text of "+id, result.Transcription)
		assert.Nil(t, result.Score)
	}
}

func TestRunEmptySubmissionSet(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, 0, nil)

	run, err := e.manager.CreateSession(context.Background(), "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunFailure, final.Status)
	assert.Equal(t, ReasonNoSubmissions, final.FailureReason)
}

func TestRunUnknownWorkflow(t *testing.T) {
	e := newEngine(t, nil)

	_, err := e.manager.CreateSession(context.Background(), "wf-ghost", CreateOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRunValidatorErrorKeepsGradedStatus(t *testing.T) {
	e := newEngine(t, nil)
	e.validator.fail = true
	e.seed(t, 1, nil)
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)

	sub, err := e.backend.GetSubmission(ctx, "sub-0")
	require.NoError(t, err)
	assert.Equal(t, backend.SubmissionGraded, sub.Status)

	result, err := e.backend.GetResult(ctx, "sub-0", run.ID)
	require.NoError(t, err)
	assert.NotContains(t, result.GradingMeta, idValidator)
}

func TestRunParallelismBound(t *testing.T) {
	e := newEngine(t, func(cfg *config.EngineConfig) { cfg.Parallelism = 2 })
	e.transcriber.delay = 30 * time.Millisecond
	e.seed(t, 6, nil)

	run, err := e.manager.CreateSession(context.Background(), "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)
	assert.LessOrEqual(t, e.transcriber.maxInflight.Load(), int32(2))
}

func TestRunPluginCallTimeout(t *testing.T) {
	e := newEngine(t, func(cfg *config.EngineConfig) {
		cfg.PluginCallTimeout = 20 * time.Millisecond
	})
	e.transcriber.delay = 500 * time.Millisecond
	e.seed(t, 1, nil)

	run, err := e.manager.CreateSession(context.Background(), "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)

	sub, err := e.backend.GetSubmission(context.Background(), "sub-0")
	require.NoError(t, err)
	assert.Equal(t, backend.SubmissionFailure, sub.Status)
}

func TestRunCancellation(t *testing.T) {
	e := newEngine(t, func(cfg *config.EngineConfig) { cfg.Parallelism = 1 })
	e.transcriber.delay = 100 * time.Millisecond
	e.seed(t, 5, nil)
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{})
	require.NoError(t, err)

	sink := newCollectSink()
	_, err = e.manager.Attach(run.ID, sink)
	require.NoError(t, err)

	// Let the run get going, then cancel.
	require.Eventually(t, func() bool {
		r, err := e.backend.GetRun(ctx, run.ID)
		return err == nil && r.Status == backend.RunRunning
	}, 2*time.Second, 5*time.Millisecond)

	_, err = e.manager.Cancel(ctx, run.ID)
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunCancelled, final.Status)
	require.NotNil(t, final.FinishedAt)

	sink.waitClosed(t)
	events := sink.snapshot()
	assert.Equal(t, ReasonCancelled, events[len(events)-1].Reason)

	// Nothing was left in flight: every submission is terminal.
	subs, err := e.backend.ListSubmissions(ctx, "wf-1")
	require.NoError(t, err)
	for _, sub := range subs {
		assert.True(t, sub.Status.Terminal(), "submission %s status %s", sub.ID, sub.Status)
	}
}

func TestRunCancelTerminalIsIdempotent(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, 1, nil)
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{})
	require.NoError(t, err)
	waitTerminal(t, e.backend, run.ID)

	got, err := e.manager.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunSuccess, got.Status)

	got, err = e.manager.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, backend.RunSuccess, got.Status)
}

// strictFailBackend fails every run log append.
type strictFailBackend struct {
	backend.Backend
}

func (s *strictFailBackend) AppendRunLog(ctx context.Context, runID string, entries []sdk.Envelope) error {
	return errors.New("disk full")
}

func TestRunStrictLogPersistenceFailsRun(t *testing.T) {
	cfg := config.EngineConfig{
		Parallelism:       2,
		LogBufferSize:     100,
		SessionEvictGrace: 200 * time.Millisecond,
		LogPersistence:    config.LogStrict,
	}
	e := newEngineWithBackend(t, &strictFailBackend{Backend: memory.New()}, cfg)
	e.seed(t, 1, nil)

	run, err := e.manager.CreateSession(context.Background(), "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunFailure, final.Status)
	assert.Equal(t, ReasonLogPersistence, final.FailureReason)
}

func TestRunBestEffortLogPersistenceSucceeds(t *testing.T) {
	cfg := config.EngineConfig{
		Parallelism:       2,
		LogBufferSize:     100,
		SessionEvictGrace: 200 * time.Millisecond,
		LogPersistence:    config.LogBestEffort,
	}
	e := newEngineWithBackend(t, &strictFailBackend{Backend: memory.New()}, cfg)
	e.seed(t, 1, nil)

	run, err := e.manager.CreateSession(context.Background(), "wf-1", CreateOptions{})
	require.NoError(t, err)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)
}

func TestRunSubsetOfSubmissions(t *testing.T) {
	e := newEngine(t, nil)
	e.seed(t, 3, nil)
	ctx := context.Background()

	run, err := e.manager.CreateSession(ctx, "wf-1", CreateOptions{
		SubmissionIDs: []string{"sub-0", "sub-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-0", "sub-2"}, run.SubmissionIDs)

	final := waitTerminal(t, e.backend, run.ID)
	assert.Equal(t, backend.RunSuccess, final.Status)

	// The excluded submission was never touched.
	sub, err := e.backend.GetSubmission(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, backend.SubmissionPending, sub.Status)
}
