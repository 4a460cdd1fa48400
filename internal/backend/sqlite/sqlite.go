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

// Package sqlite provides a SQLite backend implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/pkg/errors"
	"github.com/azapg/FAIR/sdk"
	_ "modernc.org/sqlite"
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

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			course TEXT,
			created_by TEXT,
			description TEXT,
			transcriber TEXT,
			grader TEXT,
			validators TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_by TEXT,
			status TEXT NOT NULL,
			failure_reason TEXT,
			submission_ids TEXT,
			started_at TEXT,
			finished_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			submitter TEXT NOT NULL,
			assignment TEXT NOT NULL,
			attachments TEXT,
			submitted_at TEXT,
			status TEXT NOT NULL,
			official_run_id TEXT,
			draft_score REAL,
			draft_feedback TEXT,
			published_score REAL,
			published_feedback TEXT,
			returned_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_workflow ON submissions(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS submission_results (
			submission_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			transcription TEXT,
			transcription_confidence REAL,
			transcribed_at TEXT,
			score REAL,
			feedback TEXT,
			grading_meta TEXT,
			graded_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (submission_id, run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_run ON submission_results(run_id)`,
		`CREATE TABLE IF NOT EXISTS submission_events (
			id TEXT PRIMARY KEY,
			submission_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor_id TEXT,
			run_id TEXT,
			details TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_submission ON submission_events(submission_id)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			entry TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// PutWorkflow creates or replaces a workflow.
func (b *Backend) PutWorkflow(ctx context.Context, workflow *backend.Workflow) error {
	if workflow.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id must not be empty"}
	}

	transcriberJSON, err := marshalOrNil(workflow.Transcriber)
	if err != nil {
		return fmt.Errorf("failed to marshal transcriber: %w", err)
	}
	graderJSON, err := marshalOrNil(workflow.Grader)
	if err != nil {
		return fmt.Errorf("failed to marshal grader: %w", err)
	}
	var validatorsJSON []byte
	if len(workflow.Validators) > 0 {
		validatorsJSON, err = json.Marshal(workflow.Validators)
		if err != nil {
			return fmt.Errorf("failed to marshal validators: %w", err)
		}
	}

	query := `
		INSERT INTO workflows (id, name, course, created_by, description, transcriber, grader, validators, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			course = excluded.course,
			created_by = excluded.created_by,
			description = excluded.description,
			transcriber = excluded.transcriber,
			grader = excluded.grader,
			validators = excluded.validators,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx, query,
		workflow.ID, workflow.Name, nullString(workflow.Course), nullString(workflow.CreatedBy),
		nullString(workflow.Description), nullBytes(transcriberJSON), nullBytes(graderJSON),
		nullBytes(validatorsJSON), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put workflow: %w", err)
	}

	workflow.UpdatedAt = now
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (b *Backend) GetWorkflow(ctx context.Context, id string) (*backend.Workflow, error) {
	query := `
		SELECT id, name, course, created_by, description, transcriber, grader, validators, created_at, updated_at
		FROM workflows WHERE id = ?
	`
	row := b.db.QueryRowContext(ctx, query, id)
	workflow, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return workflow, nil
}

// ListWorkflows returns all workflows sorted by id.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*backend.Workflow, error) {
	query := `
		SELECT id, name, course, created_by, description, transcriber, grader, validators, created_at, updated_at
		FROM workflows ORDER BY id
	`
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*backend.Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, workflow)
	}
	return workflows, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(s scanner) (*backend.Workflow, error) {
	var workflow backend.Workflow
	var course, createdBy, description sql.NullString
	var transcriberJSON, graderJSON, validatorsJSON sql.NullString
	var createdAt, updatedAt sql.NullString

	err := s.Scan(
		&workflow.ID, &workflow.Name, &course, &createdBy, &description,
		&transcriberJSON, &graderJSON, &validatorsJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.Course = course.String
	workflow.CreatedBy = createdBy.String
	workflow.Description = description.String

	if transcriberJSON.Valid && transcriberJSON.String != "" {
		var cfg backend.PluginConfig
		if err := json.Unmarshal([]byte(transcriberJSON.String), &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transcriber: %w", err)
		}
		workflow.Transcriber = &cfg
	}
	if graderJSON.Valid && graderJSON.String != "" {
		var cfg backend.PluginConfig
		if err := json.Unmarshal([]byte(graderJSON.String), &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal grader: %w", err)
		}
		workflow.Grader = &cfg
	}
	if validatorsJSON.Valid && validatorsJSON.String != "" {
		if err := json.Unmarshal([]byte(validatorsJSON.String), &workflow.Validators); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validators: %w", err)
		}
	}

	workflow.CreatedAt = parseTime(createdAt)
	workflow.UpdatedAt = parseTime(updatedAt)
	return &workflow, nil
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	var submissionIDsJSON []byte
	var err error
	if len(run.SubmissionIDs) > 0 {
		submissionIDsJSON, err = json.Marshal(run.SubmissionIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal submission ids: %w", err)
		}
	}

	query := `
		INSERT INTO runs (id, workflow_id, run_by, status, failure_reason, submission_ids, started_at, finished_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx, query,
		run.ID, run.WorkflowID, nullString(run.RunBy), string(run.Status),
		nullString(run.FailureReason), nullBytes(submissionIDsJSON),
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by id.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	query := `
		SELECT id, workflow_id, run_by, status, failure_reason, submission_ids, started_at, finished_at, created_at, updated_at
		FROM runs WHERE id = ?
	`
	row := b.db.QueryRowContext(ctx, query, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func scanRun(s scanner) (*backend.Run, error) {
	var run backend.Run
	var status string
	var runBy, failureReason, submissionIDsJSON sql.NullString
	var startedAt, finishedAt, createdAt, updatedAt sql.NullString

	err := s.Scan(
		&run.ID, &run.WorkflowID, &runBy, &status, &failureReason,
		&submissionIDsJSON, &startedAt, &finishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = backend.RunStatus(status)
	run.RunBy = runBy.String
	run.FailureReason = failureReason.String

	if submissionIDsJSON.Valid && submissionIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(submissionIDsJSON.String), &run.SubmissionIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal submission ids: %w", err)
		}
	}

	run.StartedAt = parseTimePtr(startedAt)
	run.FinishedAt = parseTimePtr(finishedAt)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

// UpdateRun applies a partial update and returns the updated run.
func (b *Backend) UpdateRun(ctx context.Context, id string, update backend.RunUpdate) (*backend.Run, error) {
	query := "UPDATE runs SET updated_at = ?"
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if update.Status != nil {
		query += ", status = ?"
		args = append(args, string(*update.Status))
	}
	if update.FailureReason != nil {
		query += ", failure_reason = ?"
		args = append(args, nullString(*update.FailureReason))
	}
	if update.StartedAt != nil {
		query += ", started_at = ?"
		args = append(args, update.StartedAt.UTC().Format(time.RFC3339))
	}
	if update.FinishedAt != nil {
		query += ", finished_at = ?"
		args = append(args, update.FinishedAt.UTC().Format(time.RFC3339))
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}

	return b.GetRun(ctx, id)
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	query := `
		SELECT id, workflow_id, run_by, status, failure_reason, submission_ids, started_at, finished_at, created_at, updated_at
		FROM runs WHERE 1=1
	`
	args := []any{}

	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateSubmission creates a new submission.
func (b *Backend) CreateSubmission(ctx context.Context, sub *backend.Submission) error {
	submitterJSON, err := json.Marshal(sub.Submitter)
	if err != nil {
		return fmt.Errorf("failed to marshal submitter: %w", err)
	}
	assignmentJSON, err := json.Marshal(sub.Assignment)
	if err != nil {
		return fmt.Errorf("failed to marshal assignment: %w", err)
	}
	var attachmentsJSON []byte
	if len(sub.Attachments) > 0 {
		attachmentsJSON, err = json.Marshal(sub.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}
	}

	if sub.Status == "" {
		sub.Status = backend.SubmissionPending
	}

	query := `
		INSERT INTO submissions (id, workflow_id, submitter, assignment, attachments, submitted_at, status,
			official_run_id, draft_score, draft_feedback, published_score, published_feedback, returned_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	var submittedAt any
	if !sub.SubmittedAt.IsZero() {
		submittedAt = sub.SubmittedAt.UTC().Format(time.RFC3339)
	}

	_, err = b.db.ExecContext(ctx, query,
		sub.ID, sub.WorkflowID, string(submitterJSON), string(assignmentJSON),
		nullBytes(attachmentsJSON), submittedAt, string(sub.Status),
		nullString(sub.OfficialRunID), nullFloat(sub.DraftScore), nullString(sub.DraftFeedback),
		nullFloat(sub.PublishedScore), nullString(sub.PublishedFeedback), formatTime(sub.ReturnedAt),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}

	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// GetSubmission retrieves a submission by id.
func (b *Backend) GetSubmission(ctx context.Context, id string) (*backend.Submission, error) {
	row := b.db.QueryRowContext(ctx, submissionSelect+" WHERE id = ?", id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "submission", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

const submissionSelect = `
	SELECT id, workflow_id, submitter, assignment, attachments, submitted_at, status,
		official_run_id, draft_score, draft_feedback, published_score, published_feedback, returned_at,
		created_at, updated_at
	FROM submissions
`

func scanSubmission(s scanner) (*backend.Submission, error) {
	var sub backend.Submission
	var status string
	var submitterJSON, assignmentJSON string
	var attachmentsJSON, submittedAt, officialRunID, draftFeedback, publishedFeedback sql.NullString
	var draftScore, publishedScore sql.NullFloat64
	var returnedAt, createdAt, updatedAt sql.NullString

	err := s.Scan(
		&sub.ID, &sub.WorkflowID, &submitterJSON, &assignmentJSON, &attachmentsJSON,
		&submittedAt, &status, &officialRunID, &draftScore, &draftFeedback,
		&publishedScore, &publishedFeedback, &returnedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = backend.SubmissionStatus(status)
	sub.OfficialRunID = officialRunID.String
	sub.DraftFeedback = draftFeedback.String
	sub.PublishedFeedback = publishedFeedback.String

	if err := json.Unmarshal([]byte(submitterJSON), &sub.Submitter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal submitter: %w", err)
	}
	if err := json.Unmarshal([]byte(assignmentJSON), &sub.Assignment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignment: %w", err)
	}
	if attachmentsJSON.Valid && attachmentsJSON.String != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON.String), &sub.Attachments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
	}

	if draftScore.Valid {
		sub.DraftScore = &draftScore.Float64
	}
	if publishedScore.Valid {
		sub.PublishedScore = &publishedScore.Float64
	}

	if submittedAt.Valid {
		sub.SubmittedAt = parseTime(submittedAt)
	}
	sub.ReturnedAt = parseTimePtr(returnedAt)
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	return &sub, nil
}

// ListSubmissions returns the submissions of a workflow, oldest first.
func (b *Backend) ListSubmissions(ctx context.Context, workflowID string) ([]*backend.Submission, error) {
	rows, err := b.db.QueryContext(ctx, submissionSelect+" WHERE workflow_id = ? ORDER BY created_at ASC, id ASC", workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var subs []*backend.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateSubmissions applies a partial update to every id inside one
// transaction, so a missing id leaves the store untouched.
func (b *Backend) UpdateSubmissions(ctx context.Context, ids []string, update backend.SubmissionUpdate) ([]*backend.Submission, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := "UPDATE submissions SET updated_at = ?"
	base := []any{time.Now().UTC().Format(time.RFC3339)}

	if update.Status != nil {
		query += ", status = ?"
		base = append(base, string(*update.Status))
	}
	if update.OfficialRunID != nil {
		query += ", official_run_id = ?"
		base = append(base, nullString(*update.OfficialRunID))
	}
	if update.DraftScore != nil {
		query += ", draft_score = ?"
		base = append(base, *update.DraftScore)
	}
	if update.DraftFeedback != nil {
		query += ", draft_feedback = ?"
		base = append(base, nullString(*update.DraftFeedback))
	}
	if update.ReturnedAt != nil {
		query += ", returned_at = ?"
		base = append(base, update.ReturnedAt.UTC().Format(time.RFC3339))
	}
	query += " WHERE id = ?"

	for _, id := range ids {
		args := append(append([]any{}, base...), id)
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to update submission %s: %w", id, err)
		}
		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return nil, &errors.NotFoundError{Resource: "submission", ID: id}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit submission update: %w", err)
	}

	out := make([]*backend.Submission, 0, len(ids))
	for _, id := range ids {
		sub, err := b.GetSubmission(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// UpsertResult creates or merges the result keyed on (SubmissionID, RunID).
// The merge is read-modify-write inside one transaction; with a single
// write connection that is equivalent to a serialized upsert.
func (b *Backend) UpsertResult(ctx context.Context, result *backend.SubmissionResult) error {
	if result.SubmissionID == "" || result.RunID == "" {
		return &errors.ValidationError{Field: "result", Message: "submission id and run id are required"}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getResultTx(ctx, tx, result.SubmissionID, result.RunID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read result: %w", err)
	}

	now := time.Now().UTC()
	merged := result
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
		merged = mergeResult(existing, result)
	}

	var gradingMetaJSON []byte
	if merged.GradingMeta != nil {
		gradingMetaJSON, err = json.Marshal(merged.GradingMeta)
		if err != nil {
			return fmt.Errorf("failed to marshal grading meta: %w", err)
		}
	}

	query := `
		INSERT INTO submission_results (submission_id, run_id, transcription, transcription_confidence,
			transcribed_at, score, feedback, grading_meta, graded_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (submission_id, run_id) DO UPDATE SET
			transcription = excluded.transcription,
			transcription_confidence = excluded.transcription_confidence,
			transcribed_at = excluded.transcribed_at,
			score = excluded.score,
			feedback = excluded.feedback,
			grading_meta = excluded.grading_meta,
			graded_at = excluded.graded_at,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		result.SubmissionID, result.RunID,
		nullString(merged.Transcription), nullFloat(merged.TranscriptionConfidence),
		formatTime(merged.TranscribedAt), nullFloat(merged.Score), nullString(merged.Feedback),
		nullBytes(gradingMetaJSON), formatTime(merged.GradedAt),
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert result: %w", err)
	}

	return tx.Commit()
}

// mergeResult overlays the non-zero fields of update onto existing.
// Grading meta merges by key so validators can annotate without clobbering
// the grader's metadata.
func mergeResult(existing, update *backend.SubmissionResult) *backend.SubmissionResult {
	merged := *existing
	if update.Transcription != "" {
		merged.Transcription = update.Transcription
	}
	if update.TranscriptionConfidence != nil {
		merged.TranscriptionConfidence = update.TranscriptionConfidence
	}
	if update.TranscribedAt != nil {
		merged.TranscribedAt = update.TranscribedAt
	}
	if update.Score != nil {
		merged.Score = update.Score
	}
	if update.Feedback != "" {
		merged.Feedback = update.Feedback
	}
	if update.GradingMeta != nil {
		if merged.GradingMeta == nil {
			merged.GradingMeta = make(map[string]any, len(update.GradingMeta))
		} else {
			copied := make(map[string]any, len(merged.GradingMeta)+len(update.GradingMeta))
			for k, v := range merged.GradingMeta {
				copied[k] = v
			}
			merged.GradingMeta = copied
		}
		for k, v := range update.GradingMeta {
			merged.GradingMeta[k] = v
		}
	}
	if update.GradedAt != nil {
		merged.GradedAt = update.GradedAt
	}
	return &merged
}

const resultSelect = `
	SELECT submission_id, run_id, transcription, transcription_confidence, transcribed_at,
		score, feedback, grading_meta, graded_at, created_at, updated_at
	FROM submission_results
`

func getResultTx(ctx context.Context, tx *sql.Tx, submissionID, runID string) (*backend.SubmissionResult, error) {
	row := tx.QueryRowContext(ctx, resultSelect+" WHERE submission_id = ? AND run_id = ?", submissionID, runID)
	return scanResult(row)
}

func scanResult(s scanner) (*backend.SubmissionResult, error) {
	var result backend.SubmissionResult
	var transcription, feedback, gradingMetaJSON sql.NullString
	var confidence, score sql.NullFloat64
	var transcribedAt, gradedAt, createdAt, updatedAt sql.NullString

	err := s.Scan(
		&result.SubmissionID, &result.RunID, &transcription, &confidence, &transcribedAt,
		&score, &feedback, &gradingMetaJSON, &gradedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	result.Transcription = transcription.String
	result.Feedback = feedback.String
	if confidence.Valid {
		result.TranscriptionConfidence = &confidence.Float64
	}
	if score.Valid {
		result.Score = &score.Float64
	}
	if gradingMetaJSON.Valid && gradingMetaJSON.String != "" {
		if err := json.Unmarshal([]byte(gradingMetaJSON.String), &result.GradingMeta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal grading meta: %w", err)
		}
	}
	result.TranscribedAt = parseTimePtr(transcribedAt)
	result.GradedAt = parseTimePtr(gradedAt)
	result.CreatedAt = parseTime(createdAt)
	result.UpdatedAt = parseTime(updatedAt)
	return &result, nil
}

// GetResult retrieves the result for one (submission, run) pair.
func (b *Backend) GetResult(ctx context.Context, submissionID, runID string) (*backend.SubmissionResult, error) {
	row := b.db.QueryRowContext(ctx, resultSelect+" WHERE submission_id = ? AND run_id = ?", submissionID, runID)
	result, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "submission result", ID: submissionID + "/" + runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return result, nil
}

// ListResults returns every result of a run.
func (b *Backend) ListResults(ctx context.Context, runID string) ([]*backend.SubmissionResult, error) {
	rows, err := b.db.QueryContext(ctx, resultSelect+" WHERE run_id = ? ORDER BY submission_id", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*backend.SubmissionResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// AppendSubmissionEvent appends one audit entry.
func (b *Backend) AppendSubmissionEvent(ctx context.Context, event *backend.SubmissionEvent) error {
	var detailsJSON []byte
	var err error
	if event.Details != nil {
		detailsJSON, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO submission_events (id, submission_id, event_type, actor_id, run_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		event.ID, event.SubmissionID, event.EventType,
		nullString(event.ActorID), nullString(event.RunID), nullBytes(detailsJSON),
		event.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append submission event: %w", err)
	}
	return nil
}

// ListSubmissionEvents returns a submission's audit entries, oldest first.
func (b *Backend) ListSubmissionEvents(ctx context.Context, submissionID string) ([]*backend.SubmissionEvent, error) {
	query := `
		SELECT id, submission_id, event_type, actor_id, run_id, details, created_at
		FROM submission_events WHERE submission_id = ? ORDER BY rowid ASC
	`
	rows, err := b.db.QueryContext(ctx, query, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submission events: %w", err)
	}
	defer rows.Close()

	var events []*backend.SubmissionEvent
	for rows.Next() {
		var event backend.SubmissionEvent
		var actorID, runID, detailsJSON, createdAt sql.NullString

		err := rows.Scan(&event.ID, &event.SubmissionID, &event.EventType, &actorID, &runID, &detailsJSON, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission event: %w", err)
		}

		event.ActorID = actorID.String
		event.RunID = runID.String
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}
		event.CreatedAt = parseTime(createdAt)

		events = append(events, &event)
	}
	return events, rows.Err()
}

// AppendRunLog appends entries to the run's log history in order.
func (b *Backend) AppendRunLog(ctx context.Context, runID string, entries []sdk.Envelope) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO run_logs (run_id, entry, created_at) VALUES (?, ?, ?)`
	now := time.Now().UTC().Format(time.RFC3339)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, runID, string(data), now); err != nil {
			return fmt.Errorf("failed to append run log: %w", err)
		}
	}

	return tx.Commit()
}

// GetRunLogs returns the run's log history in append order.
func (b *Backend) GetRunLogs(ctx context.Context, runID string) ([]sdk.Envelope, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT entry FROM run_logs WHERE run_id = ? ORDER BY seq ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run logs: %w", err)
	}
	defer rows.Close()

	var entries []sdk.Envelope
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		var entry sdk.Envelope
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses an RFC3339 string, returning the zero time on null.
func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s.String)
	return t
}

// parseTimePtr parses an RFC3339 string into a *time.Time, or nil.
func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// marshalOrNil marshals the config to JSON, returning nil bytes for a nil config.
func marshalOrNil(cfg *backend.PluginConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	return json.Marshal(cfg)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// nullFloat returns nil for a nil pointer, otherwise the value.
func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
