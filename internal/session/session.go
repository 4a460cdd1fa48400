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

// Package session implements the live execution machinery of one workflow
// run: the ordered event pipeline, the replay ring for late subscribers,
// the staged runner and the manager that owns them all.
//
// Ordering rests on a single chain: producers enqueue into the session's
// LogQueue, the queue's lone consumer emits through an IndexedEventBus, and
// the session's dispatch handler fans out to subscribers serially. Every
// subscriber therefore observes the same envelope order, which is enqueue
// order.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/sdk"
)

// Sink receives envelopes for one subscriber. Send blocks until the
// envelope is handed off; an error detaches the subscriber quietly.
type Sink interface {
	Send(evt sdk.Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(evt sdk.Envelope) error

func (f SinkFunc) Send(evt sdk.Envelope) error { return f(evt) }

// Options configures a Session.
type Options struct {
	// LogBufferSize is the replay ring capacity. Oldest envelopes are
	// evicted first once full.
	LogBufferSize int

	// StrictLogPersistence fails the run on the first AppendRunLog error
	// instead of suppressing further appends.
	StrictLogPersistence bool

	// Logger receives process-level diagnostics (not session envelopes).
	Logger *slog.Logger

	// Metrics is notified per emitted envelope. May be nil.
	Metrics Metrics
}

// Session owns the live machinery of one run: the LogQueue feeding an
// IndexedEventBus, the replay ring, the subscriber set and the run's cancel
// function. The run id doubles as the session id.
type Session struct {
	runID      string
	workflowID string

	queue  *sdk.LogQueue
	bus    *sdk.IndexedEventBus
	logger *sdk.SessionLogger

	logs    backend.LogStore
	strict  bool
	slogger *slog.Logger
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ring     *ring
	subs     map[sdk.Subscription]*SubscriptionAdapter
	nextSub  sdk.Subscription
	closed   bool
	logErr   error
	logQuiet bool
}

// New creates a session for runID and starts its delivery pipeline.
func New(runID, workflowID string, logs backend.LogStore, opts Options) *Session {
	if opts.LogBufferSize <= 0 {
		opts.LogBufferSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		runID:      runID,
		workflowID: workflowID,
		logs:       logs,
		strict:     opts.StrictLogPersistence,
		slogger:    opts.Logger,
		metrics:    opts.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		ring:       newRing(opts.LogBufferSize),
		subs:       make(map[sdk.Subscription]*SubscriptionAdapter),
	}

	s.bus = sdk.NewIndexedEventBus(opts.Logger)
	for _, topic := range []string{sdk.TypeLog, sdk.TypeUpdate, sdk.TypeClose} {
		s.bus.On(topic, s.dispatch)
	}
	s.queue = sdk.NewLogQueue(s.bus)
	s.logger = sdk.NewSessionLogger(s.queue)

	return s
}

// RunID returns the run this session executes.
func (s *Session) RunID() string { return s.runID }

// WorkflowID returns the workflow the run belongs to.
func (s *Session) WorkflowID() string { return s.workflowID }

// Logger returns the session logger producing log envelopes.
func (s *Session) Logger() *sdk.SessionLogger { return s.logger }

// Context is cancelled when the session is cancelled or stopped.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel requests cancellation of the run. Idempotent.
func (s *Session) Cancel() { s.cancel() }

// EmitUpdate enqueues an update envelope for object with the given payload,
// either one object or an array of per-entity objects.
func (s *Session) EmitUpdate(object string, payload any) {
	s.queue.Enqueue(sdk.NewUpdate(object, payload))
}

// Close enqueues the terminal close envelope. Everything enqueued before
// the call is delivered first; nothing is delivered after.
func (s *Session) Close(reason string) {
	s.queue.Enqueue(sdk.NewClose(reason))
}

// Flush blocks until everything enqueued so far has been delivered.
func (s *Session) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// Stop drains and terminates the delivery pipeline. Called by the store on
// eviction and by the manager on shutdown.
func (s *Session) Stop(ctx context.Context) error {
	s.cancel()
	return s.queue.Stop(ctx)
}

// PersistErr reports the first run log append failure. The runner checks
// this at stage boundaries when strict persistence is configured.
func (s *Session) PersistErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logErr
}

// Attach subscribes sink to the session: the ring is replayed first, then
// live envelopes follow. The seam is atomic (the snapshot and the
// registration happen under one lock), so no envelope is lost or duplicated.
// If the session already closed, the replayed ring ends with the close
// envelope and the adapter detaches immediately after replay.
func (s *Session) Attach(sink Sink) *SubscriptionAdapter {
	s.mu.Lock()
	snapshot := s.ring.snapshot()
	s.nextSub++
	adapter := newAdapter(s.nextSub, s, sink)
	adapter.mu.Lock() // released by replay; blocks live delivery until then
	s.subs[adapter.id] = adapter
	s.mu.Unlock()

	adapter.replay(snapshot)
	return adapter
}

// detach removes an adapter. Safe to call twice.
func (s *Session) detach(id sdk.Subscription) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// SubscriberCount reports the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// dispatch is the session's bus handler, invoked serially by the queue
// consumer for every envelope. It appends to the ring, persists the entry,
// and fans out to the attached adapters.
func (s *Session) dispatch(evt sdk.Envelope) error {
	s.mu.Lock()
	if s.closed {
		// Nothing is delivered after close.
		s.mu.Unlock()
		return nil
	}
	s.ring.push(evt)
	if evt.Type == sdk.TypeClose {
		s.closed = true
	}
	targets := make([]*SubscriptionAdapter, 0, len(s.subs))
	for _, adapter := range s.subs {
		targets = append(targets, adapter)
	}
	s.mu.Unlock()

	s.persist(evt)
	s.metrics.EventEmitted()

	for _, adapter := range targets {
		adapter.deliver(evt)
	}
	return nil
}

// persist appends the envelope to the run's log history. Best-effort by
// default: after the first error further appends are suppressed with a
// single process-log warning. Strict mode records the error for the runner
// to act on instead.
func (s *Session) persist(evt sdk.Envelope) {
	s.mu.Lock()
	if s.logQuiet {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.logs.AppendRunLog(ctx, s.runID, []sdk.Envelope{evt})
	if err == nil {
		return
	}

	s.mu.Lock()
	if s.logErr == nil {
		s.logErr = err
	}
	if !s.strict {
		s.logQuiet = true
	}
	s.mu.Unlock()

	s.slogger.Warn("run log append failed",
		"run_id", s.runID,
		"error", err,
		"strict", s.strict)
}

// ring is a fixed-capacity circular buffer of envelopes.
type ring struct {
	buf   []sdk.Envelope
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]sdk.Envelope, capacity)}
}

func (r *ring) push(evt sdk.Envelope) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = evt
		r.count++
		return
	}
	// Full: overwrite the oldest.
	r.buf[r.start] = evt
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []sdk.Envelope {
	out := make([]sdk.Envelope, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
