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

package sdk

import (
	"context"
	"time"
)

// Kind identifies which pipeline stage a plugin serves.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindGrade         Kind = "grade"
	KindValidation    Kind = "validation"
)

// Manifest describes a plugin to the registry: identity, stage, and the
// settings schema the engine validates user-supplied values against.
type Manifest struct {
	// ID is the opaque registry key, conventionally reverse-DNS
	// (e.g. "dev.fair.plaintext").
	ID string `json:"id"`

	Name    string `json:"name"`
	Author  string `json:"author,omitempty"`
	Version string `json:"version,omitempty"`
	Kind    Kind   `json:"kind"`

	// Settings declares the fields a workflow may configure for this
	// plugin. Binding rejects values outside this schema.
	Settings []Field `json:"settings,omitempty"`
}

// Plugin is the contract every plugin implements. Configure runs once per
// stage, after settings are bound and before any work is dispatched.
type Plugin interface {
	Configure(settings Settings, logger Logger) error
}

// Transcriber turns a submission's attachments into text.
type Transcriber interface {
	Plugin
	Transcribe(ctx context.Context, sub Submission) (Transcription, error)
}

// BatchTranscriber is an optional extension for plugins that transcribe
// more efficiently in bulk. The engine prefers it when implemented.
type BatchTranscriber interface {
	TranscribeBatch(ctx context.Context, subs []Submission) ([]Transcription, error)
}

// Grader scores a transcribed submission.
type Grader interface {
	Plugin
	Grade(ctx context.Context, sub TranscribedSubmission) (GradeResult, error)
}

// Validator inspects a graded submission and returns an annotation that is
// merged into the grading metadata. Validators never change scores or
// statuses.
type Validator interface {
	Plugin
	ValidateOne(ctx context.Context, graded GradedSubmission) (Annotation, error)
}

// BatchValidator is an optional extension for bulk validation.
type BatchValidator interface {
	ValidateBatch(ctx context.Context, graded []GradedSubmission) ([]Annotation, error)
}

// Submission is the flat, read-only projection plugins receive. The engine
// builds it from storage; plugins must not depend on the persistence
// schema.
type Submission struct {
	ID          string         `json:"id"`
	Submitter   Submitter      `json:"submitter"`
	Assignment  Assignment     `json:"assignment"`
	Attachments []Attachment   `json:"attachments"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Submitter is the party whose work is being graded. Synthetic submitters
// carry research or test data and do not correspond to platform users.
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

// Attachment is one addressable content blob of a submission.
type Attachment struct {
	Title string         `json:"title"`
	MIME  string         `json:"mime"`
	Path  string         `json:"storage_path"`
	Kind  string         `json:"storage_kind"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Transcription is the output of the transcription stage for one
// submission.
type Transcription struct {
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// TranscribedSubmission pairs a submission with its transcription for the
// grading stage.
type TranscribedSubmission struct {
	Submission    Submission    `json:"submission"`
	Transcription Transcription `json:"transcription"`
}

// GradeResult is the output of the grading stage for one submission.
type GradeResult struct {
	Score    float64        `json:"score"`
	MaxScore float64        `json:"max_score"`
	Feedback string         `json:"feedback"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// GradedSubmission is the full picture a validator sees.
type GradedSubmission struct {
	Submission    Submission    `json:"submission"`
	Transcription Transcription `json:"transcription"`
	Grade         GradeResult   `json:"grade"`
}

// Annotation is a validator's contribution to the grading metadata, keyed
// by the validator's choosing (conventionally its plugin id).
type Annotation map[string]any
