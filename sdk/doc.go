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

// Package sdk is the plugin-facing surface of the FAIR grading engine.
//
// A grading workflow is a pipeline of plugins: a Transcriber turns raw
// submission attachments into text, a Grader scores the transcription, and
// zero or more Validators annotate the result. Plugins receive a Logger
// whose output is delivered, in strict enqueue order, to every subscriber
// of the session that is running them.
//
// The ordering machinery lives here too: EventBus fans envelopes out to
// subscribers, LogQueue serializes writes from any goroutine through a
// single consumer, and SessionLogger/PluginLogger produce the log envelopes
// plugins and the engine share.
//
// # Writing a plugin
//
//	type EchoGrader struct {
//		points float64
//	}
//
//	func (g *EchoGrader) Configure(settings sdk.Settings, logger sdk.Logger) error {
//		g.points = settings.Number("points")
//		return nil
//	}
//
//	func (g *EchoGrader) Grade(ctx context.Context, sub sdk.TranscribedSubmission) (sdk.GradeResult, error) {
//		return sdk.GradeResult{Score: g.points, MaxScore: g.points}, nil
//	}
//
// Register the plugin with a Manifest describing its settings schema; the
// engine binds and validates user-supplied settings before Configure runs.
package sdk
