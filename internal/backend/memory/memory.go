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

// Package memory provides an in-memory backend implementation.
//
// Every value crossing the boundary is deep-copied, so callers can mutate
// what they get back without corrupting the store. Intended for tests and
// single-process development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/pkg/errors"
	"github.com/azapg/FAIR/sdk"
)

// Compile-time interface assertions.
var (
	_ backend.WorkflowStore   = (*Backend)(nil)
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.SubmissionStore = (*Backend)(nil)
	_ backend.ResultStore     = (*Backend)(nil)
	_ backend.EventStore      = (*Backend)(nil)
	_ backend.LogStore        = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu          sync.RWMutex
	workflows   map[string]*backend.Workflow
	runs        map[string]*backend.Run
	submissions map[string]*backend.Submission
	results     map[resultKey]*backend.SubmissionResult
	events      map[string][]*backend.SubmissionEvent
	logs        map[string][]sdk.Envelope

	// seq orders submissions and runs for deterministic listing.
	seq   int64
	order map[string]int64
}

type resultKey struct {
	submissionID string
	runID        string
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		workflows:   make(map[string]*backend.Workflow),
		runs:        make(map[string]*backend.Run),
		submissions: make(map[string]*backend.Submission),
		results:     make(map[resultKey]*backend.SubmissionResult),
		events:      make(map[string][]*backend.SubmissionEvent),
		logs:        make(map[string][]sdk.Envelope),
		order:       make(map[string]int64),
	}
}

// PutWorkflow creates or replaces a workflow.
func (b *Backend) PutWorkflow(ctx context.Context, workflow *backend.Workflow) error {
	if workflow.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id must not be empty"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stored := copyWorkflow(workflow)
	now := time.Now().UTC()
	if existing, ok := b.workflows[workflow.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	b.workflows[workflow.ID] = stored

	workflow.CreatedAt = stored.CreatedAt
	workflow.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (b *Backend) GetWorkflow(ctx context.Context, id string) (*backend.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	workflow, ok := b.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return copyWorkflow(workflow), nil
}

// ListWorkflows returns all workflows sorted by id.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*backend.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*backend.Workflow, 0, len(b.workflows))
	for _, workflow := range b.workflows {
		out = append(out, copyWorkflow(workflow))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return &errors.ValidationError{Field: "id", Message: "run already exists: " + run.ID}
	}

	stored := copyRun(run)
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	b.runs[run.ID] = stored
	b.seq++
	b.order[run.ID] = b.seq

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by id.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return copyRun(run), nil
}

// UpdateRun applies a partial update and returns the updated run.
func (b *Backend) UpdateRun(ctx context.Context, id string, update backend.RunUpdate) (*backend.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}

	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.FailureReason != nil {
		run.FailureReason = *update.FailureReason
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		run.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		run.FinishedAt = &t
	}
	run.UpdatedAt = time.Now().UTC()

	return copyRun(run), nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*backend.Run
	for _, run := range b.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return b.order[out[i].ID] > b.order[out[j].ID] })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CreateSubmission creates a new submission.
func (b *Backend) CreateSubmission(ctx context.Context, sub *backend.Submission) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.submissions[sub.ID]; exists {
		return &errors.ValidationError{Field: "id", Message: "submission already exists: " + sub.ID}
	}

	stored := copySubmission(sub)
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = backend.SubmissionPending
	}
	b.submissions[sub.ID] = stored
	b.seq++
	b.order[sub.ID] = b.seq

	sub.Status = stored.Status
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// GetSubmission retrieves a submission by id.
func (b *Backend) GetSubmission(ctx context.Context, id string) (*backend.Submission, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.submissions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "submission", ID: id}
	}
	return copySubmission(sub), nil
}

// ListSubmissions returns the submissions of a workflow, oldest first.
func (b *Backend) ListSubmissions(ctx context.Context, workflowID string) ([]*backend.Submission, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*backend.Submission
	for _, sub := range b.submissions {
		if sub.WorkflowID != workflowID {
			continue
		}
		out = append(out, copySubmission(sub))
	}
	sort.Slice(out, func(i, j int) bool { return b.order[out[i].ID] < b.order[out[j].ID] })
	return out, nil
}

// UpdateSubmissions applies a partial update to every id.
func (b *Backend) UpdateSubmissions(ctx context.Context, ids []string, update backend.SubmissionUpdate) ([]*backend.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Validate first so a missing id leaves the store untouched.
	for _, id := range ids {
		if _, ok := b.submissions[id]; !ok {
			return nil, &errors.NotFoundError{Resource: "submission", ID: id}
		}
	}

	now := time.Now().UTC()
	out := make([]*backend.Submission, 0, len(ids))
	for _, id := range ids {
		sub := b.submissions[id]
		if update.Status != nil {
			sub.Status = *update.Status
		}
		if update.OfficialRunID != nil {
			sub.OfficialRunID = *update.OfficialRunID
		}
		if update.DraftScore != nil {
			v := *update.DraftScore
			sub.DraftScore = &v
		}
		if update.DraftFeedback != nil {
			sub.DraftFeedback = *update.DraftFeedback
		}
		if update.ReturnedAt != nil {
			t := *update.ReturnedAt
			sub.ReturnedAt = &t
		}
		sub.UpdatedAt = now
		out = append(out, copySubmission(sub))
	}
	return out, nil
}

// UpsertResult creates or merges the result keyed on (SubmissionID, RunID).
func (b *Backend) UpsertResult(ctx context.Context, result *backend.SubmissionResult) error {
	if result.SubmissionID == "" || result.RunID == "" {
		return &errors.ValidationError{Field: "result", Message: "submission id and run id are required"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := resultKey{submissionID: result.SubmissionID, runID: result.RunID}
	now := time.Now().UTC()

	existing, ok := b.results[key]
	if !ok {
		stored := copyResult(result)
		stored.CreatedAt = now
		stored.UpdatedAt = now
		b.results[key] = stored
		return nil
	}

	if result.Transcription != "" {
		existing.Transcription = result.Transcription
	}
	if result.TranscriptionConfidence != nil {
		v := *result.TranscriptionConfidence
		existing.TranscriptionConfidence = &v
	}
	if result.TranscribedAt != nil {
		t := *result.TranscribedAt
		existing.TranscribedAt = &t
	}
	if result.Score != nil {
		v := *result.Score
		existing.Score = &v
	}
	if result.Feedback != "" {
		existing.Feedback = result.Feedback
	}
	if result.GradingMeta != nil {
		if existing.GradingMeta == nil {
			existing.GradingMeta = make(map[string]any, len(result.GradingMeta))
		}
		for k, v := range result.GradingMeta {
			existing.GradingMeta[k] = v
		}
	}
	if result.GradedAt != nil {
		t := *result.GradedAt
		existing.GradedAt = &t
	}
	existing.UpdatedAt = now
	return nil
}

// GetResult retrieves the result for one (submission, run) pair.
func (b *Backend) GetResult(ctx context.Context, submissionID, runID string) (*backend.SubmissionResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result, ok := b.results[resultKey{submissionID: submissionID, runID: runID}]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "submission result", ID: submissionID + "/" + runID}
	}
	return copyResult(result), nil
}

// ListResults returns every result of a run.
func (b *Backend) ListResults(ctx context.Context, runID string) ([]*backend.SubmissionResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*backend.SubmissionResult
	for key, result := range b.results {
		if key.runID != runID {
			continue
		}
		out = append(out, copyResult(result))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmissionID < out[j].SubmissionID })
	return out, nil
}

// AppendSubmissionEvent appends one audit entry.
func (b *Backend) AppendSubmissionEvent(ctx context.Context, event *backend.SubmissionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := copyEvent(event)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	b.events[event.SubmissionID] = append(b.events[event.SubmissionID], stored)

	event.CreatedAt = stored.CreatedAt
	return nil
}

// ListSubmissionEvents returns a submission's audit entries, oldest first.
func (b *Backend) ListSubmissionEvents(ctx context.Context, submissionID string) ([]*backend.SubmissionEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[submissionID]
	out := make([]*backend.SubmissionEvent, 0, len(events))
	for _, event := range events {
		out = append(out, copyEvent(event))
	}
	return out, nil
}

// AppendRunLog appends entries to the run's log history in order.
func (b *Backend) AppendRunLog(ctx context.Context, runID string, entries []sdk.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.runs[runID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	b.logs[runID] = append(b.logs[runID], entries...)
	return nil
}

// GetRunLogs returns the run's log history in append order.
func (b *Backend) GetRunLogs(ctx context.Context, runID string) ([]sdk.Envelope, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	logs := b.logs[runID]
	out := make([]sdk.Envelope, len(logs))
	copy(out, logs)
	return out, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}

// Deep-copy helpers.

func copyWorkflow(w *backend.Workflow) *backend.Workflow {
	out := *w
	out.Transcriber = copyPluginConfig(w.Transcriber)
	out.Grader = copyPluginConfig(w.Grader)
	if w.Validators != nil {
		out.Validators = make([]backend.PluginConfig, len(w.Validators))
		for i, v := range w.Validators {
			out.Validators[i] = *copyPluginConfig(&v)
		}
	}
	return &out
}

func copyPluginConfig(c *backend.PluginConfig) *backend.PluginConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Settings = copyMap(c.Settings)
	return &out
}

func copyRun(r *backend.Run) *backend.Run {
	out := *r
	if r.SubmissionIDs != nil {
		out.SubmissionIDs = append([]string(nil), r.SubmissionIDs...)
	}
	out.StartedAt = copyTime(r.StartedAt)
	out.FinishedAt = copyTime(r.FinishedAt)
	return &out
}

func copySubmission(s *backend.Submission) *backend.Submission {
	out := *s
	if s.Attachments != nil {
		out.Attachments = make([]backend.Attachment, len(s.Attachments))
		for i, a := range s.Attachments {
			out.Attachments[i] = a
			out.Attachments[i].Meta = copyMap(a.Meta)
		}
	}
	out.DraftScore = copyFloat(s.DraftScore)
	out.PublishedScore = copyFloat(s.PublishedScore)
	out.ReturnedAt = copyTime(s.ReturnedAt)
	return &out
}

func copyResult(r *backend.SubmissionResult) *backend.SubmissionResult {
	out := *r
	out.TranscriptionConfidence = copyFloat(r.TranscriptionConfidence)
	out.TranscribedAt = copyTime(r.TranscribedAt)
	out.Score = copyFloat(r.Score)
	out.GradingMeta = copyMap(r.GradingMeta)
	out.GradedAt = copyTime(r.GradedAt)
	return &out
}

func copyEvent(e *backend.SubmissionEvent) *backend.SubmissionEvent {
	out := *e
	out.Details = copyMap(e.Details)
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	out := *f
	return &out
}
