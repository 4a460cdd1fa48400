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

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/azapg/FAIR/internal/session"
)

// Collector exports engine metrics through the meter provider. It is the
// session.Metrics implementation the manager is wired with.
type Collector struct {
	sessionsTotal    metric.Int64Counter
	submissionsTotal metric.Int64Counter
	stageDuration    metric.Float64Histogram
	activeSessions   metric.Int64UpDownCounter
	eventsTotal      metric.Int64Counter
}

// NewCollector registers the engine instruments on the meter provider.
func NewCollector(provider metric.MeterProvider) (*Collector, error) {
	meter := provider.Meter("fair")
	c := &Collector{}

	var err error
	c.sessionsTotal, err = meter.Int64Counter(
		"fair_sessions_total",
		metric.WithDescription("Total number of finished grading sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	c.submissionsTotal, err = meter.Int64Counter(
		"fair_submissions_total",
		metric.WithDescription("Total number of submissions that finished a run"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, err
	}

	c.stageDuration, err = meter.Float64Histogram(
		"fair_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.activeSessions, err = meter.Int64UpDownCounter(
		"fair_active_sessions",
		metric.WithDescription("Number of sessions currently running"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	c.eventsTotal, err = meter.Int64Counter(
		"fair_events_emitted_total",
		metric.WithDescription("Total number of envelopes emitted by sessions"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// SessionStarted records a session entering the running state.
func (c *Collector) SessionStarted() {
	c.activeSessions.Add(context.Background(), 1)
}

// SessionFinished records a session reaching a terminal status.
func (c *Collector) SessionFinished(status string) {
	ctx := context.Background()
	c.activeSessions.Add(ctx, -1)
	c.sessionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// SubmissionFinished records one submission's terminal status in a run.
func (c *Collector) SubmissionFinished(status string) {
	c.submissionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// StageObserved records one stage execution.
func (c *Collector) StageObserved(stage string, d time.Duration) {
	c.stageDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}

// EventEmitted counts one dispatched envelope.
func (c *Collector) EventEmitted() {
	c.eventsTotal.Add(context.Background(), 1)
}

var _ session.Metrics = (*Collector)(nil)
