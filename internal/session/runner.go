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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/pkg/errors"
	"github.com/azapg/FAIR/sdk"
)

// Failure reasons surfaced to subscribers and stored on the run.
const (
	ReasonCompleted          = "Session completed"
	ReasonCancelled          = "Session cancelled"
	ReasonNoSubmissions      = "No valid submissions found for this session"
	ReasonMissingTranscriber = "Session failed due to missing transcription step"
	ReasonMissingGrader      = "Session failed due to missing grading step"
	ReasonLogPersistence     = "Session failed to persist its log history"
)

// Pipeline stage names, used in log envelopes, metrics and span names.
const (
	StageTranscribe = "transcribe"
	StageGrade      = "grade"
	StageValidate   = "validate"
)

// RunnerConfig holds the execution knobs of one runner.
type RunnerConfig struct {
	// Parallelism bounds in-flight submissions per stage.
	Parallelism int

	// PluginCallTimeout bounds each synchronous plugin call; zero disables.
	PluginCallTimeout time.Duration

	// StrictLogPersistence makes a run log append failure run-fatal.
	StrictLogPersistence bool
}

// Runner drives one run through transcription, grading and validation.
// Only the runner mutates the run row; everything else observes it through
// the gateway or the session's envelopes.
type Runner struct {
	backend backend.Backend
	reg     *registry.Registry
	session *Session
	cfg     RunnerConfig
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// NewRunner builds a runner for the session. logger, metrics and tracer
// may be nil.
func NewRunner(b backend.Backend, reg *registry.Registry, s *Session, cfg RunnerConfig, logger *slog.Logger, metrics Metrics, tracer trace.Tracer) *Runner {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Runner{
		backend: b,
		reg:     reg,
		session: s,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// workItem tracks one submission through the pipeline. Workers touch only
// their own item; the runner goroutine reads after each stage settles.
type workItem struct {
	sub           *backend.Submission
	view          sdk.Submission
	transcription sdk.Transcription
	grade         sdk.GradeResult
	status        backend.SubmissionStatus
	failed        bool
}

// Run executes the session to a terminal run state. Intended to be spawned
// on its own goroutine by the manager.
func (r *Runner) Run(ctx context.Context) {
	r.metrics.SessionStarted()

	ctx, span := r.tracer.Start(ctx, "session.run",
		trace.WithAttributes(attribute.String("run.id", r.session.RunID())))
	status := r.run(ctx)
	span.SetAttributes(attribute.String("run.status", status))
	span.End()

	r.metrics.SessionFinished(status)
}

func (r *Runner) run(ctx context.Context) string {
	runID := r.session.RunID()
	logger := r.logger.With("run_id", runID)

	run, err := r.backend.GetRun(ctx, runID)
	if err != nil {
		logger.Error("failed to load run", "error", err)
		r.session.Close("Session failed to load run state")
		return string(backend.RunFailure)
	}

	workflow, err := r.backend.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		logger.Error("failed to load workflow", "workflow_id", run.WorkflowID, "error", err)
		return r.fail(nil, "Session failed to load its workflow")
	}

	// Mark running before any work so subscribers see the transition.
	started := time.Now().UTC()
	running := backend.RunRunning
	if _, err := r.backend.UpdateRun(ctx, runID, backend.RunUpdate{
		Status:    &running,
		StartedAt: &started,
	}); err != nil {
		logger.Error("failed to mark run running", "error", err)
		return r.fail(nil, "Session failed to update run state")
	}
	r.session.EmitUpdate(sdk.ObjectWorkflowRun, map[string]any{
		"id":         runID,
		"status":     string(backend.RunRunning),
		"started_at": started.Format(time.RFC3339Nano),
	})
	r.session.Logger().Info(fmt.Sprintf("Session started for workflow %q", workflow.Name))

	items := r.loadItems(ctx, run)
	if len(items) == 0 {
		return r.fail(nil, ReasonNoSubmissions)
	}

	transcriber, grader, validators, reason := r.instantiatePlugins(workflow)
	if reason != "" {
		return r.fail(items, reason)
	}

	// The processing transition also claims the submissions for this run.
	if err := r.setStatus(ctx, items, backend.SubmissionProcessing, runID); err != nil {
		logger.Error("failed to mark submissions processing", "error", err)
		return r.fail(items, "Session failed to update submission state")
	}

	// Stages run in strict order; each settles before the next starts.
	if done, status := r.runStage(ctx, StageTranscribe, items, func(sctx context.Context, live []*workItem) error {
		return r.transcribeStage(sctx, transcriber, workflow.Transcriber.Plugin, live)
	}); done {
		return status
	}

	// Grading is optional: a transcription-only workflow finalizes with its
	// survivors terminal at transcribed.
	if grader != nil {
		if done, status := r.runStage(ctx, StageGrade, items, func(sctx context.Context, live []*workItem) error {
			return r.gradeStage(sctx, grader, workflow.Grader.Plugin, live)
		}); done {
			return status
		}

		if len(validators) > 0 {
			if done, status := r.runStage(ctx, StageValidate, items, func(sctx context.Context, live []*workItem) error {
				return r.validateStage(sctx, validators, workflow.Validators, live)
			}); done {
				return status
			}
		}
	}

	return r.finalize(items)
}

// runStage wraps one stage with cancellation checks, a span and the stage
// duration metric. It returns (true, status) when the run is over.
func (r *Runner) runStage(ctx context.Context, stage string, items []*workItem, fn func(context.Context, []*workItem) error) (bool, string) {
	if err := ctx.Err(); err != nil {
		return true, r.cancelled(items)
	}

	live := liveItems(items)
	if len(live) == 0 {
		// Everything failed in earlier stages; per-item failures are never
		// run-fatal, so the run still finalizes.
		return false, ""
	}

	sctx, span := r.tracer.Start(ctx, "stage."+stage,
		trace.WithAttributes(attribute.Int("stage.items", len(live))))
	start := time.Now()
	err := fn(sctx, live)
	r.metrics.StageObserved(stage, time.Since(start))
	span.End()

	if err != nil {
		r.logger.Error("stage failed", "run_id", r.session.RunID(), "stage", stage, "error", err)
		return true, r.fail(items, fmt.Sprintf("Session failed during the %s stage", stage))
	}
	if ctx.Err() != nil {
		return true, r.cancelled(items)
	}
	if r.cfg.StrictLogPersistence {
		if perr := r.session.PersistErr(); perr != nil {
			r.logger.Error("strict log persistence violated", "run_id", r.session.RunID(), "error", perr)
			return true, r.fail(items, ReasonLogPersistence)
		}
	}
	return false, ""
}

// loadItems resolves the run's submission ids. Unresolvable ids are logged
// and skipped; they do not fail the run unless nothing remains.
func (r *Runner) loadItems(ctx context.Context, run *backend.Run) []*workItem {
	items := make([]*workItem, 0, len(run.SubmissionIDs))
	for _, id := range run.SubmissionIDs {
		sub, err := r.backend.GetSubmission(ctx, id)
		if err != nil {
			r.session.Logger().Warn(fmt.Sprintf("Skipping unknown submission %s", id))
			continue
		}
		items = append(items, &workItem{
			sub:    sub,
			view:   submissionView(sub),
			status: sub.Status,
		})
	}
	return items
}

// instantiatePlugins builds configured instances for every pipeline slot.
// The transcriber is mandatory; the grader slot may be empty, in which
// case the returned grader is nil and the run stops after transcription.
// A non-empty reason means the run must fail.
func (r *Runner) instantiatePlugins(workflow *backend.Workflow) (sdk.Transcriber, sdk.Grader, []sdk.Validator, string) {
	if workflow.Transcriber == nil {
		return nil, nil, nil, ReasonMissingTranscriber
	}

	instantiate := func(cfg backend.PluginConfig) (sdk.Plugin, string) {
		instance, err := r.reg.Instantiate(cfg.Plugin, cfg.Settings, r.session.Logger().Child(cfg.Plugin))
		if err != nil {
			r.session.Logger().Error(fmt.Sprintf("Plugin %s failed to initialize: %v", cfg.Plugin, err))
			return nil, fmt.Sprintf("Session failed to initialize plugin %s", cfg.Plugin)
		}
		return instance, ""
	}

	instance, reason := instantiate(*workflow.Transcriber)
	if reason != "" {
		return nil, nil, nil, reason
	}
	transcriber, ok := instance.(sdk.Transcriber)
	if !ok {
		return nil, nil, nil, ReasonMissingTranscriber
	}

	var grader sdk.Grader
	if workflow.Grader != nil {
		instance, reason = instantiate(*workflow.Grader)
		if reason != "" {
			return nil, nil, nil, reason
		}
		grader, ok = instance.(sdk.Grader)
		if !ok {
			return nil, nil, nil, ReasonMissingGrader
		}
	}

	validators := make([]sdk.Validator, 0, len(workflow.Validators))
	for _, cfg := range workflow.Validators {
		instance, reason = instantiate(cfg)
		if reason != "" {
			return nil, nil, nil, reason
		}
		validator, ok := instance.(sdk.Validator)
		if !ok {
			return nil, nil, nil, fmt.Sprintf("Session failed to initialize plugin %s", cfg.Plugin)
		}
		validators = append(validators, validator)
	}

	return transcriber, grader, validators, ""
}

// transcribeStage runs the transcription plugin over every live item.
func (r *Runner) transcribeStage(ctx context.Context, transcriber sdk.Transcriber, pluginID string, live []*workItem) error {
	if err := r.setStatus(ctx, live, backend.SubmissionTranscribing, ""); err != nil {
		return err
	}
	r.session.Logger().Info(fmt.Sprintf("Transcribing %d submissions", len(live)))

	if batch, ok := transcriber.(sdk.BatchTranscriber); ok {
		return r.transcribeBatch(ctx, batch, pluginID, live)
	}

	r.dispatch(ctx, live, func(wctx context.Context, it *workItem) {
		res, err := callTranscribe(wctx, transcriber, pluginID, it.view, r.cfg.PluginCallTimeout)
		if err != nil {
			r.failItem(it, pluginID, fmt.Sprintf("Transcription failed for %s", it.sub.Submitter.Name), err)
			return
		}
		r.recordTranscription(it, pluginID, res)
	})
	return nil
}

// transcribeBatch prefers the bulk call when the plugin implements it. A
// batch error fails the batched items, not the run.
func (r *Runner) transcribeBatch(ctx context.Context, batch sdk.BatchTranscriber, pluginID string, live []*workItem) error {
	views := make([]sdk.Submission, len(live))
	for i, it := range live {
		views[i] = it.view
	}

	callCtx, cancel := r.callContext(ctx)
	defer cancel()

	results, err := safeTranscribeBatch(callCtx, batch, pluginID, views)
	if err == nil && len(results) != len(live) {
		err = &errors.PluginError{
			Plugin:  pluginID,
			Op:      StageTranscribe,
			Message: fmt.Sprintf("batch returned %d results for %d submissions", len(results), len(live)),
		}
	}
	if err != nil {
		for _, it := range live {
			r.failItem(it, pluginID, fmt.Sprintf("Transcription failed for %s", it.sub.Submitter.Name), err)
		}
		return nil
	}

	for i, it := range live {
		r.recordTranscription(it, pluginID, results[i])
	}
	return nil
}

// recordTranscription persists the stage output and advances the item.
func (r *Runner) recordTranscription(it *workItem, pluginID string, res sdk.Transcription) {
	now := time.Now().UTC()
	confidence := res.Confidence
	err := r.upsert(&backend.SubmissionResult{
		SubmissionID:            it.sub.ID,
		RunID:                   r.session.RunID(),
		Transcription:           res.Text,
		TranscriptionConfidence: &confidence,
		TranscribedAt:           &now,
	})
	if err != nil {
		r.failItem(it, pluginID, fmt.Sprintf("Failed to store transcription for %s", it.sub.Submitter.Name), err)
		return
	}
	it.transcription = res
	r.advanceItem(it, backend.SubmissionTranscribed)
}

// gradeStage runs the grading plugin over every live item.
func (r *Runner) gradeStage(ctx context.Context, grader sdk.Grader, pluginID string, live []*workItem) error {
	if err := r.setStatus(ctx, live, backend.SubmissionGrading, ""); err != nil {
		return err
	}
	r.session.Logger().Info(fmt.Sprintf("Grading %d submissions", len(live)))

	r.dispatch(ctx, live, func(wctx context.Context, it *workItem) {
		res, err := callGrade(wctx, grader, pluginID, sdk.TranscribedSubmission{
			Submission:    it.view,
			Transcription: it.transcription,
		}, r.cfg.PluginCallTimeout)
		if err != nil {
			r.failItem(it, pluginID, fmt.Sprintf("Grading failed for %s", it.sub.Submitter.Name), err)
			return
		}

		now := time.Now().UTC()
		score := res.Score
		meta := map[string]any{"grader": pluginID, "max_score": res.MaxScore}
		for k, v := range res.Meta {
			meta[k] = v
		}
		if err := r.upsert(&backend.SubmissionResult{
			SubmissionID: it.sub.ID,
			RunID:        r.session.RunID(),
			Score:        &score,
			Feedback:     res.Feedback,
			GradingMeta:  meta,
			GradedAt:     &now,
		}); err != nil {
			r.failItem(it, pluginID, fmt.Sprintf("Failed to store grade for %s", it.sub.Submitter.Name), err)
			return
		}
		it.grade = res
		r.advanceItem(it, backend.SubmissionGraded)
	})
	return nil
}

// validateStage runs each validator over every live item. Validators only
// annotate: a validator error is logged and its annotation skipped, the
// item keeps its graded status.
func (r *Runner) validateStage(ctx context.Context, validators []sdk.Validator, cfgs []backend.PluginConfig, live []*workItem) error {
	r.session.Logger().Info(fmt.Sprintf("Validating %d submissions", len(live)))

	for i, validator := range validators {
		pluginID := cfgs[i].Plugin
		r.dispatch(ctx, live, func(wctx context.Context, it *workItem) {
			annotation, err := callValidate(wctx, validator, pluginID, sdk.GradedSubmission{
				Submission:    it.view,
				Transcription: it.transcription,
				Grade:         it.grade,
			}, r.cfg.PluginCallTimeout)
			if err != nil {
				r.session.Logger().Child(pluginID).Error(
					fmt.Sprintf("Validation failed for %s: %v", it.sub.Submitter.Name, err))
				return
			}
			if len(annotation) == 0 {
				return
			}
			if err := r.upsert(&backend.SubmissionResult{
				SubmissionID: it.sub.ID,
				RunID:        r.session.RunID(),
				GradingMeta:  annotation,
			}); err != nil {
				r.session.Logger().Child(pluginID).Error(
					fmt.Sprintf("Failed to store annotation for submission %s: %v", it.sub.ID, err))
			}
		})
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// dispatch fans work over live items through a semaphore of width
// Parallelism. It stops handing out work once ctx is done and always waits
// for in-flight workers.
func (r *Runner) dispatch(ctx context.Context, live []*workItem, work func(context.Context, *workItem)) {
	sem := make(chan struct{}, r.cfg.Parallelism)
	var wg sync.WaitGroup

	for _, it := range live {
		if it.failed {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(it *workItem) {
			defer wg.Done()
			defer func() { <-sem }()
			work(ctx, it)
		}(it)
	}
	wg.Wait()
}

// callContext derives the per-call context, applying the plugin timeout.
func (r *Runner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.PluginCallTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.PluginCallTimeout)
	}
	return context.WithCancel(ctx)
}

// failItem moves one item to failure: status persisted, an error envelope
// and a submissions update emitted. Per-item failures never fail the run.
func (r *Runner) failItem(it *workItem, pluginID, msg string, err error) {
	it.failed = true
	it.status = backend.SubmissionFailure

	r.session.Logger().Child(pluginID).Error(fmt.Sprintf("%s: %v", msg, err))

	uctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status := backend.SubmissionFailure
	if _, uerr := r.backend.UpdateSubmissions(uctx, []string{it.sub.ID}, backend.SubmissionUpdate{
		Status: &status,
	}); uerr != nil {
		r.logger.Warn("failed to persist submission failure",
			"run_id", r.session.RunID(), "submission_id", it.sub.ID, "error", uerr)
	}
	r.session.EmitUpdate(sdk.ObjectSubmissions, []map[string]any{{
		"id":     it.sub.ID,
		"status": string(backend.SubmissionFailure),
	}})
}

// advanceItem persists a successful per-item transition and emits the
// submissions update.
func (r *Runner) advanceItem(it *workItem, status backend.SubmissionStatus) {
	it.status = status

	uctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.backend.UpdateSubmissions(uctx, []string{it.sub.ID}, backend.SubmissionUpdate{
		Status: &status,
	}); err != nil {
		r.logger.Warn("failed to persist submission status",
			"run_id", r.session.RunID(), "submission_id", it.sub.ID, "error", err)
	}
	r.session.EmitUpdate(sdk.ObjectSubmissions, []map[string]any{{
		"id":     it.sub.ID,
		"status": string(status),
	}})
}

// setStatus persists and announces a bulk stage transition. A non-empty
// officialRunID is written and announced alongside the status, which is
// how the processing transition claims the submissions for this run.
// Unlike per-item updates, a write failure here is run-fatal.
func (r *Runner) setStatus(ctx context.Context, items []*workItem, status backend.SubmissionStatus, officialRunID string) error {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.failed {
			continue
		}
		ids = append(ids, it.sub.ID)
		it.status = status
	}
	if len(ids) == 0 {
		return nil
	}

	update := backend.SubmissionUpdate{Status: &status}
	if officialRunID != "" {
		update.OfficialRunID = &officialRunID
	}
	if _, err := r.backend.UpdateSubmissions(ctx, ids, update); err != nil {
		return fmt.Errorf("failed to update submissions to %s: %w", status, err)
	}

	changes := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		change := map[string]any{"id": id, "status": string(status)}
		if officialRunID != "" {
			change["official_run_id"] = officialRunID
		}
		changes = append(changes, change)
	}
	r.session.EmitUpdate(sdk.ObjectSubmissions, changes)
	return nil
}

// upsert merges one result row with a bounded background context, so
// in-flight persistence survives session cancellation.
func (r *Runner) upsert(result *backend.SubmissionResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.backend.UpsertResult(ctx, result)
}

// finalize ends a run that made it through every stage. Terminal
// submission statuses are preserved exactly as they ended: graded items
// stay graded, failed items stay failed.
func (r *Runner) finalize(items []*workItem) string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runID := r.session.RunID()
	officialRun := runID

	for _, it := range items {
		r.metrics.SubmissionFinished(string(it.status))
		if it.status != backend.SubmissionGraded {
			continue
		}

		score := it.grade.Score
		feedback := it.grade.Feedback
		if _, err := r.backend.UpdateSubmissions(ctx, []string{it.sub.ID}, backend.SubmissionUpdate{
			OfficialRunID: &officialRun,
			DraftScore:    &score,
			DraftFeedback: &feedback,
		}); err != nil {
			r.logger.Warn("failed to record draft grade",
				"run_id", runID, "submission_id", it.sub.ID, "error", err)
		}

		if err := r.backend.AppendSubmissionEvent(ctx, &backend.SubmissionEvent{
			ID:           uuid.NewString(),
			SubmissionID: it.sub.ID,
			EventType:    backend.EventAIGraded,
			RunID:        runID,
			Details:      map[string]any{"score": it.grade.Score, "max_score": it.grade.MaxScore},
		}); err != nil {
			r.logger.Warn("failed to append audit event",
				"run_id", runID, "submission_id", it.sub.ID, "error", err)
		}
	}

	r.emitStatusGroups(items)

	if r.cfg.StrictLogPersistence {
		if perr := r.session.PersistErr(); perr != nil {
			r.logger.Error("strict log persistence violated", "run_id", runID, "error", perr)
			return r.fail(items, ReasonLogPersistence)
		}
	}

	finished := time.Now().UTC()
	success := backend.RunSuccess
	if _, err := r.backend.UpdateRun(ctx, runID, backend.RunUpdate{
		Status:     &success,
		FinishedAt: &finished,
	}); err != nil {
		r.logger.Error("failed to mark run success", "run_id", runID, "error", err)
		return r.fail(items, "Session failed to update run state")
	}

	r.session.EmitUpdate(sdk.ObjectWorkflowRun, map[string]any{
		"id":          runID,
		"status":      string(backend.RunSuccess),
		"finished_at": finished.Format(time.RFC3339Nano),
	})
	r.session.Logger().Info(ReasonCompleted)
	r.session.Close(ReasonCompleted)
	r.flush()
	return string(backend.RunSuccess)
}

// fail ends the run as a failure: non-terminal submissions move to
// failure, the run records the reason, subscribers get the close envelope.
func (r *Runner) fail(items []*workItem, reason string) string {
	return r.terminate(items, backend.RunFailure, reason)
}

// cancelled ends the run after a cancel request: in-progress items move to
// failure, the run is marked cancelled.
func (r *Runner) cancelled(items []*workItem) string {
	return r.terminate(items, backend.RunCancelled, ReasonCancelled)
}

func (r *Runner) terminate(items []*workItem, status backend.RunStatus, reason string) string {
	// The session context may already be cancelled; finalization uses its
	// own bounded context so terminal state still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runID := r.session.RunID()

	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.status.Terminal() {
			r.metrics.SubmissionFinished(string(it.status))
			continue
		}
		it.failed = true
		it.status = backend.SubmissionFailure
		ids = append(ids, it.sub.ID)
		r.metrics.SubmissionFinished(string(backend.SubmissionFailure))
	}
	if len(ids) > 0 {
		failureStatus := backend.SubmissionFailure
		if _, err := r.backend.UpdateSubmissions(ctx, ids, backend.SubmissionUpdate{
			Status: &failureStatus,
		}); err != nil {
			r.logger.Warn("failed to fail submissions", "run_id", runID, "error", err)
		}
		changes := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			changes = append(changes, map[string]any{
				"id":     id,
				"status": string(backend.SubmissionFailure),
			})
		}
		r.session.EmitUpdate(sdk.ObjectSubmissions, changes)
	}

	finished := time.Now().UTC()
	update := backend.RunUpdate{
		Status:     &status,
		FinishedAt: &finished,
	}
	if status == backend.RunFailure || status == backend.RunCancelled {
		update.FailureReason = &reason
	}
	if _, err := r.backend.UpdateRun(ctx, runID, update); err != nil {
		r.logger.Error("failed to record terminal run state",
			"run_id", runID, "status", string(status), "error", err)
	}

	r.session.EmitUpdate(sdk.ObjectWorkflowRun, map[string]any{
		"id":             runID,
		"status":         string(status),
		"failure_reason": reason,
		"finished_at":    finished.Format(time.RFC3339Nano),
	})
	r.session.Logger().Error(reason)
	r.session.Close(reason)
	r.flush()
	return string(status)
}

// emitStatusGroups announces the final submission statuses, one update per
// status group.
func (r *Runner) emitStatusGroups(items []*workItem) {
	groups := make(map[backend.SubmissionStatus][]string)
	for _, it := range items {
		groups[it.status] = append(groups[it.status], it.sub.ID)
	}
	for _, status := range []backend.SubmissionStatus{
		backend.SubmissionGraded,
		backend.SubmissionTranscribed,
		backend.SubmissionFailure,
	} {
		ids := groups[status]
		if len(ids) == 0 {
			continue
		}
		changes := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			changes = append(changes, map[string]any{
				"id":     id,
				"status": string(status),
			})
		}
		r.session.EmitUpdate(sdk.ObjectSubmissions, changes)
	}
}

// flush gives the queue a moment to deliver the close envelope before the
// runner goroutine exits; the eviction grace covers the rest.
func (r *Runner) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.session.Flush(ctx)
}

// submissionView projects a stored submission into the flat shape plugins
// receive.
func submissionView(sub *backend.Submission) sdk.Submission {
	attachments := make([]sdk.Attachment, len(sub.Attachments))
	for i, a := range sub.Attachments {
		attachments[i] = sdk.Attachment{
			Title: a.Title,
			MIME:  a.MIME,
			Path:  a.Path,
			Kind:  a.Kind,
			Meta:  a.Meta,
		}
	}
	return sdk.Submission{
		ID: sub.ID,
		Submitter: sdk.Submitter{
			ID:        sub.Submitter.ID,
			Name:      sub.Submitter.Name,
			Email:     sub.Submitter.Email,
			Synthetic: sub.Submitter.Synthetic,
		},
		Assignment: sdk.Assignment{
			ID:       sub.Assignment.ID,
			Title:    sub.Assignment.Title,
			MaxScore: sub.Assignment.MaxScore,
		},
		Attachments: attachments,
		SubmittedAt: sub.SubmittedAt,
	}
}

// liveItems filters out items that already failed.
func liveItems(items []*workItem) []*workItem {
	live := make([]*workItem, 0, len(items))
	for _, it := range items {
		if !it.failed {
			live = append(live, it)
		}
	}
	return live
}

// callTranscribe invokes the plugin with panic isolation and the
// configured timeout. A deadline hit surfaces as a TimeoutError.
func callTranscribe(ctx context.Context, t sdk.Transcriber, pluginID string, view sdk.Submission, timeout time.Duration) (res sdk.Transcription, err error) {
	callCtx, cancel := withCallTimeout(ctx, timeout)
	defer cancel()
	defer recoverPluginPanic(pluginID, StageTranscribe, &err)

	res, err = t.Transcribe(callCtx, view)
	err = mapTimeout(callCtx, err, pluginID, StageTranscribe, timeout)
	return res, err
}

func callGrade(ctx context.Context, g sdk.Grader, pluginID string, sub sdk.TranscribedSubmission, timeout time.Duration) (res sdk.GradeResult, err error) {
	callCtx, cancel := withCallTimeout(ctx, timeout)
	defer cancel()
	defer recoverPluginPanic(pluginID, StageGrade, &err)

	res, err = g.Grade(callCtx, sub)
	err = mapTimeout(callCtx, err, pluginID, StageGrade, timeout)
	return res, err
}

func callValidate(ctx context.Context, v sdk.Validator, pluginID string, graded sdk.GradedSubmission, timeout time.Duration) (annotation sdk.Annotation, err error) {
	callCtx, cancel := withCallTimeout(ctx, timeout)
	defer cancel()
	defer recoverPluginPanic(pluginID, StageValidate, &err)

	annotation, err = v.ValidateOne(callCtx, graded)
	err = mapTimeout(callCtx, err, pluginID, StageValidate, timeout)
	return annotation, err
}

func safeTranscribeBatch(ctx context.Context, b sdk.BatchTranscriber, pluginID string, views []sdk.Submission) (res []sdk.Transcription, err error) {
	defer recoverPluginPanic(pluginID, StageTranscribe, &err)
	return b.TranscribeBatch(ctx, views)
}

func withCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// mapTimeout converts a deadline hit into a typed TimeoutError.
func mapTimeout(ctx context.Context, err error, pluginID, op string, timeout time.Duration) error {
	if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return &errors.PluginError{
		Plugin: pluginID,
		Op:     op,
		Cause: &errors.TimeoutError{
			Operation: "plugin call",
			Duration:  timeout,
			Cause:     err,
		},
	}
}

// recoverPluginPanic converts a plugin panic into a PluginError so one bad
// plugin call cannot take the runner down.
func recoverPluginPanic(pluginID, op string, err *error) {
	if p := recover(); p != nil {
		*err = &errors.PluginError{
			Plugin:  pluginID,
			Op:      op,
			Message: fmt.Sprintf("panic: %v", p),
		}
	}
}
