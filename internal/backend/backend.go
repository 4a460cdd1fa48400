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

// Package backend provides storage backends for the grading engine.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation so components depend only
// on the stores they touch:
//
//   - WorkflowStore: saved pipeline configurations
//   - RunStore: workflow runs (sessions) with partial updates
//   - SubmissionStore: submissions with bulk partial updates
//   - ResultStore: per-(submission, run) results, cumulative upserts
//   - EventStore: append-only submission audit entries
//   - LogStore: best-effort run log history
//
// The Backend interface composes all of these plus io.Closer for
// full-featured implementations. The session runner accepts Backend; tests
// and narrow components accept the store they need.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/azapg/FAIR/sdk"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailure   RunStatus = "failure"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailure || s == RunCancelled
}

// SubmissionStatus is the per-run pipeline state of a submission.
type SubmissionStatus string

const (
	SubmissionPending      SubmissionStatus = "pending"
	SubmissionProcessing   SubmissionStatus = "processing"
	SubmissionTranscribing SubmissionStatus = "transcribing"
	SubmissionTranscribed  SubmissionStatus = "transcribed"
	SubmissionGrading      SubmissionStatus = "grading"
	SubmissionGraded       SubmissionStatus = "graded"
	SubmissionReturned     SubmissionStatus = "returned"
	SubmissionFailure      SubmissionStatus = "failure"
)

// Terminal reports whether the submission finished its run.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionGraded || s == SubmissionTranscribed ||
		s == SubmissionReturned || s == SubmissionFailure
}

// Submission event types recorded in the audit trail.
const (
	EventAIGraded   = "ai_graded"
	EventManualEdit = "manual_edit"
	EventReturned   = "returned_to_student"
)

// PluginConfig binds one pipeline slot to a plugin id and its settings.
type PluginConfig struct {
	Plugin   string         `json:"plugin" yaml:"plugin"`
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Workflow is a saved pipeline configuration.
type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Course      string `json:"course,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
	Description string `json:"description,omitempty"`

	Transcriber *PluginConfig  `json:"transcriber,omitempty"`
	Grader      *PluginConfig  `json:"grader,omitempty"`
	Validators  []PluginConfig `json:"validators,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Submitter is the party whose work a submission carries. Synthetic
// submitters are research or test data with no platform user behind them.
type Submitter struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// Assignment is the assignment context of a submission.
type Assignment struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	MaxScore float64 `json:"max_score"`
}

// Attachment is one content blob attached to a submission.
type Attachment struct {
	Title string         `json:"title"`
	MIME  string         `json:"mime"`
	Path  string         `json:"storage_path"`
	Kind  string         `json:"storage_kind"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Submission is a student submission in storage.
type Submission struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	Submitter   Submitter        `json:"submitter"`
	Assignment  Assignment       `json:"assignment"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Status      SubmissionStatus `json:"status"`

	// OfficialRunID points to the run whose draft is canonical.
	OfficialRunID string `json:"official_run_id,omitempty"`

	DraftScore        *float64   `json:"draft_score,omitempty"`
	DraftFeedback     string     `json:"draft_feedback,omitempty"`
	PublishedScore    *float64   `json:"published_score,omitempty"`
	PublishedFeedback string     `json:"published_feedback,omitempty"`
	ReturnedAt        *time.Time `json:"returned_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one execution of a workflow over a submission set. Its ID doubles
// as the session id.
type Run struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	RunBy         string    `json:"run_by,omitempty"`
	Status        RunStatus `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`

	SubmissionIDs []string `json:"submission_ids,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SubmissionResult is the per-(submission, run) result record, filled in
// stage by stage. Fields set by an earlier stage survive later upserts.
type SubmissionResult struct {
	SubmissionID string `json:"submission_id"`
	RunID        string `json:"run_id"`

	Transcription           string     `json:"transcription,omitempty"`
	TranscriptionConfidence *float64   `json:"transcription_confidence,omitempty"`
	TranscribedAt           *time.Time `json:"transcribed_at,omitempty"`

	Score       *float64       `json:"score,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	GradingMeta map[string]any `json:"grading_meta,omitempty"`
	GradedAt    *time.Time     `json:"graded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubmissionEvent is an append-only audit entry on a submission.
type SubmissionEvent struct {
	ID           string         `json:"id"`
	SubmissionID string         `json:"submission_id"`
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RunUpdate is a partial update of a run; only non-nil fields change.
type RunUpdate struct {
	Status        *RunStatus
	FailureReason *string
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// SubmissionUpdate is a partial bulk update of submissions; only non-nil
// fields change.
type SubmissionUpdate struct {
	Status        *SubmissionStatus
	OfficialRunID *string
	DraftScore    *float64
	DraftFeedback *string
	ReturnedAt    *time.Time
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
	Offset     int
}

// WorkflowStore stores saved pipeline configurations.
type WorkflowStore interface {
	// PutWorkflow creates or replaces a workflow by id.
	PutWorkflow(ctx context.Context, workflow *Workflow) error

	// GetWorkflow retrieves a workflow by id.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// ListWorkflows returns all workflows sorted by id.
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
}

// RunStore stores workflow runs.
type RunStore interface {
	// CreateRun creates a new run in storage.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun applies a partial update and returns the updated run.
	// Applying the same update twice yields the same stored state.
	UpdateRun(ctx context.Context, id string, update RunUpdate) (*Run, error)

	// ListRuns lists runs with optional filtering, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// SubmissionStore stores submissions.
type SubmissionStore interface {
	// CreateSubmission creates a new submission.
	CreateSubmission(ctx context.Context, sub *Submission) error

	// GetSubmission retrieves a submission by id.
	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// ListSubmissions returns the submissions of a workflow, oldest first.
	ListSubmissions(ctx context.Context, workflowID string) ([]*Submission, error)

	// UpdateSubmissions applies a partial update to every id and returns
	// the updated rows in the order of ids.
	UpdateSubmissions(ctx context.Context, ids []string, update SubmissionUpdate) ([]*Submission, error)
}

// ResultStore stores per-(submission, run) results.
type ResultStore interface {
	// UpsertResult creates or merges the result keyed on
	// (SubmissionID, RunID). Non-zero fields of result overwrite; fields
	// left zero preserve whatever an earlier upsert stored.
	UpsertResult(ctx context.Context, result *SubmissionResult) error

	// GetResult retrieves the result for one (submission, run) pair.
	GetResult(ctx context.Context, submissionID, runID string) (*SubmissionResult, error)

	// ListResults returns every result of a run.
	ListResults(ctx context.Context, runID string) ([]*SubmissionResult, error)
}

// EventStore stores the submission audit trail.
type EventStore interface {
	// AppendSubmissionEvent appends one audit entry.
	AppendSubmissionEvent(ctx context.Context, event *SubmissionEvent) error

	// ListSubmissionEvents returns a submission's audit entries, oldest
	// first.
	ListSubmissionEvents(ctx context.Context, submissionID string) ([]*SubmissionEvent, error)
}

// LogStore stores the run's envelope history. Appends are best-effort from
// the session's point of view: the caller decides whether an append error
// is fatal.
type LogStore interface {
	// AppendRunLog appends entries to the run's log history in order.
	AppendRunLog(ctx context.Context, runID string, entries []sdk.Envelope) error

	// GetRunLogs returns the run's log history in append order.
	GetRunLogs(ctx context.Context, runID string) ([]sdk.Envelope, error)
}

// Backend defines the full interface for engine storage.
type Backend interface {
	WorkflowStore
	RunStore
	SubmissionStore
	ResultStore
	EventStore
	LogStore
	io.Closer
}
