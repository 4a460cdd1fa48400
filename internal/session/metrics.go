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

import "time"

// Metrics receives engine counters. The telemetry package provides the
// real implementation; tests and bare setups use NopMetrics.
type Metrics interface {
	SessionStarted()
	SessionFinished(status string)
	SubmissionFinished(status string)
	StageObserved(stage string, d time.Duration)
	EventEmitted()
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()                     {}
func (nopMetrics) SessionFinished(string)              {}
func (nopMetrics) SubmissionFinished(string)           {}
func (nopMetrics) StageObserved(string, time.Duration) {}
func (nopMetrics) EventEmitted()                       {}

// NopMetrics returns a Metrics implementation that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }
