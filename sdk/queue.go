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
	"sync"
	"time"

	"github.com/azapg/FAIR/pkg/errors"
)

// queueItem is either an envelope to deliver or a flush barrier.
type queueItem struct {
	env     Envelope
	barrier chan struct{}
}

// LogQueue serializes envelope delivery. Producers on any goroutine call
// Enqueue, which never blocks: it stamps the timestamp immediately and
// appends to an unbounded FIFO. A single background consumer drains the
// FIFO and calls Emit serially; that lone consumer is the global ordering
// guarantee: every subscriber observes envelopes in enqueue order, no
// matter which goroutine produced them.
type LogQueue struct {
	emitter Emitter

	mu      sync.Mutex
	items   []queueItem
	stopped bool

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}

	quitOnce sync.Once
}

// NewLogQueue creates a queue delivering to emitter and starts its
// consumer goroutine.
func NewLogQueue(emitter Emitter) *LogQueue {
	q := &LogQueue{
		emitter: emitter,
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends env to the FIFO and returns immediately. Log envelopes
// get their timestamp here, at enqueue time, so timestamps reflect when
// the producer logged rather than when the consumer delivered. Enqueue
// after Stop is a silent no-op.
func (q *LogQueue) Enqueue(env Envelope) {
	if env.Type == TypeLog && env.TS.IsZero() {
		env.TS = time.Now().UTC()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, queueItem{env: env})
	q.mu.Unlock()

	q.signal()
}

// EnqueueLog is a convenience for the common path: build a log envelope
// from a payload and level, then enqueue it.
func (q *LogQueue) EnqueueLog(payload map[string]any, level Level) {
	q.Enqueue(Envelope{Type: TypeLog, Level: level, Payload: payload})
}

// Flush blocks until every envelope enqueued before the call has been
// delivered, or ctx is done.
func (q *LogQueue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	q.mu.Lock()
	if q.stopped && len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.items = append(q.items, queueItem{barrier: barrier})
	q.mu.Unlock()

	q.signal()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue to new envelopes, drains what is already queued,
// then terminates the consumer. If ctx expires before the drain finishes,
// the consumer is told to exit anyway and the remaining envelopes are
// dropped; a TimeoutError reports how long the drain was given.
func (q *LogQueue) Stop(ctx context.Context) error {
	start := time.Now()
	barrier := make(chan struct{})

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.stopped = true
	q.items = append(q.items, queueItem{barrier: barrier})
	q.mu.Unlock()

	q.signal()

	var timedOut bool
	select {
	case <-barrier:
	case <-ctx.Done():
		timedOut = true
	}

	q.quitOnce.Do(func() { close(q.quit) })
	<-q.done

	if timedOut {
		return &errors.TimeoutError{
			Operation: "log queue drain",
			Duration:  time.Since(start),
			Cause:     ctx.Err(),
		}
	}
	return nil
}

// signal nudges the consumer without blocking; a full notify channel means
// a wakeup is already pending.
func (q *LogQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// run is the single consumer. Delivery happens outside the queue lock so
// slow subscribers never block producers.
func (q *LogQueue) run() {
	defer close(q.done)

	for {
		q.drain(false)

		select {
		case <-q.notify:
		case <-q.quit:
			q.drain(true)
			return
		}
	}
}

// drain delivers queued items until the FIFO is empty. The final pass runs
// after quit and only releases leftover flush barriers: after a clean Stop
// the FIFO holds nothing else, and after a timed-out Stop the leftover
// envelopes are dropped as documented.
func (q *LogQueue) drain(final bool) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		for _, item := range batch {
			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			if final {
				continue
			}
			q.emitter.Emit(item.env.Type, item.env)
		}
	}
}
