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

import (
	"github.com/azapg/FAIR/sdk"
)

// SubscriptionAdapter bridges a session to one push channel: an SSE
// connection, a websocket client, or a test sink. Delivery to the sink is
// blocking; backpressure belongs to the subscriber (the ws layer adds its
// own buffered send channel).
//
// Lifecycle: created by Session.Attach holding the adapter lock, which
// blocks live delivery until the ring replay finishes. The close envelope
// is always the last delivery; a sink error detaches quietly.
type SubscriptionAdapter struct {
	id      sdk.Subscription
	session *Session
	sink    Sink

	mu   chanMutex
	done bool
}

func newAdapter(id sdk.Subscription, s *Session, sink Sink) *SubscriptionAdapter {
	return &SubscriptionAdapter{
		id:      id,
		session: s,
		sink:    sink,
		mu:      newChanMutex(),
	}
}

// replay delivers the ring snapshot taken at attach time. Runs with the
// adapter lock already held so interleaved live envelopes wait their turn.
func (a *SubscriptionAdapter) replay(snapshot []sdk.Envelope) {
	defer a.mu.Unlock()

	for _, evt := range snapshot {
		if a.done {
			return
		}
		a.send(evt)
	}
}

// deliver hands one live envelope to the sink. Called serially by the
// session dispatcher.
func (a *SubscriptionAdapter) deliver(evt sdk.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return
	}
	a.send(evt)
}

// send pushes the envelope and applies the terminal rules: a sink error or
// the close envelope finishes the adapter.
func (a *SubscriptionAdapter) send(evt sdk.Envelope) {
	if err := a.sink.Send(evt); err != nil {
		a.finish()
		return
	}
	if evt.Type == sdk.TypeClose {
		a.finish()
	}
}

// finish marks the adapter done and detaches it from the session. Must be
// called with the adapter lock held.
func (a *SubscriptionAdapter) finish() {
	if a.done {
		return
	}
	a.done = true
	a.session.detach(a.id)
}

// Detach unsubscribes the adapter. Used when the subscriber disconnects
// before the session closes. Idempotent.
func (a *SubscriptionAdapter) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finish()
}

// Done reports whether the adapter has delivered close or detached.
func (a *SubscriptionAdapter) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// chanMutex is a mutex that can be locked in one goroutine and unlocked in
// another, which sync.Mutex forbids. Attach locks the adapter on the
// caller's goroutine and replay unlocks it there, while live deliveries
// lock it from the dispatcher.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	return m
}

func (m chanMutex) Lock()   { m <- struct{}{} }
func (m chanMutex) Unlock() { <-m }
