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
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one envelope. Handlers run serially on the emitting
// goroutine; a returned error is logged and swallowed so one subscriber
// cannot starve the others.
type Handler func(evt Envelope) error

// Subscription is an opaque token returned by On. It identifies one
// registration, so the same handler function can be registered twice and
// removed individually.
type Subscription uint64

// Emitter is the write side of a bus. LogQueue delivers through this.
type Emitter interface {
	Emit(topic string, evt Envelope)
}

type registration struct {
	id      Subscription
	handler Handler
}

// EventBus is a topic-keyed publish/subscribe bus. Handlers for a topic
// are invoked in registration order, serially, on the caller of Emit.
// Emitting to a topic with no subscribers is a no-op; there is no
// buffering of missed envelopes.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	topics   map[Subscription]string
	nextID   Subscription
	logger   *slog.Logger
}

// NewEventBus creates an empty bus. logger may be nil, in which case
// handler failures go to slog.Default().
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]registration),
		topics:   make(map[Subscription]string),
		logger:   logger,
	}
}

// On registers a handler for a topic and returns its subscription token.
func (b *EventBus) On(topic string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], registration{id: id, handler: h})
	b.topics[id] = topic
	return id
}

// Off removes the registration identified by sub. Unknown tokens are
// ignored so double-unsubscribe is safe.
func (b *EventBus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.topics[sub]
	if !ok {
		return
	}
	delete(b.topics, sub)

	regs := b.handlers[topic]
	for i, reg := range regs {
		if reg.id == sub {
			b.handlers[topic] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(b.handlers[topic]) == 0 {
		delete(b.handlers, topic)
	}
}

// Emit delivers evt to every handler registered for topic, in registration
// order. Handler errors and panics are logged and swallowed; remaining
// handlers still run.
func (b *EventBus) Emit(topic string, evt Envelope) {
	// Copy registrations under the read lock so handlers can subscribe or
	// unsubscribe without deadlocking.
	b.mu.RLock()
	regs := make([]registration, len(b.handlers[topic]))
	copy(regs, b.handlers[topic])
	b.mu.RUnlock()

	for _, reg := range regs {
		b.invoke(topic, reg, evt)
	}
}

func (b *EventBus) invoke(topic string, reg registration, evt Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", topic,
				"subscription", uint64(reg.id),
				"panic", fmt.Sprint(r))
		}
	}()

	if err := reg.handler(evt); err != nil {
		b.logger.Error("event handler failed",
			"topic", topic,
			"subscription", uint64(reg.id),
			"error", err)
	}
}

// SubscriberCount reports the number of registrations for a topic.
func (b *EventBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// IndexedEventBus wraps an EventBus and stamps every emitted envelope with
// a strictly monotonic, per-bus sequence number. Subscribers can use the
// index to detect gaps or reordering introduced downstream.
type IndexedEventBus struct {
	*EventBus

	seqMu sync.Mutex
	seq   uint64
}

// NewIndexedEventBus creates an indexed bus. logger may be nil.
func NewIndexedEventBus(logger *slog.Logger) *IndexedEventBus {
	return &IndexedEventBus{EventBus: NewEventBus(logger)}
}

// Emit stamps the next index on evt and delegates to the wrapped bus.
// The counter is taken under a lock, so indices are unique and increasing
// even when Emit races (though ordered delivery still requires a single
// emitting goroutine, which LogQueue provides).
func (b *IndexedEventBus) Emit(topic string, evt Envelope) {
	b.seqMu.Lock()
	evt.Index = b.seq
	evt.Indexed = true
	b.seq++
	b.seqMu.Unlock()

	b.EventBus.Emit(topic, evt)
}
