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
	"context"
	"sync"
	"time"

	"github.com/azapg/FAIR/pkg/errors"
)

// Store indexes live sessions by run id. A session whose run reached a
// terminal state is retained for a grace period so late subscribers still
// get replay plus the close envelope, then evicted and its queue stopped.
type Store struct {
	grace time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
	closed   bool
}

// NewStore creates a store with the given post-terminal retention grace.
func NewStore(grace time.Duration) *Store {
	return &Store{
		grace:    grace,
		sessions: make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
	}
}

// Put registers a session under its run id.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}
	st.sessions[s.RunID()] = s
}

// Get returns the session for runID, or a NotFoundError once it was
// evicted or never existed.
func (st *Store) Get(runID string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "session", ID: runID}
	}
	return s, nil
}

// MarkTerminal schedules eviction after the grace period. Calling it again
// resets the timer.
func (st *Store) MarkTerminal(runID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return
	}
	if _, ok := st.sessions[runID]; !ok {
		return
	}
	if timer, ok := st.timers[runID]; ok {
		timer.Stop()
	}
	st.timers[runID] = time.AfterFunc(st.grace, func() {
		st.Evict(runID)
	})
}

// Evict removes the session immediately and stops its queue.
func (st *Store) Evict(runID string) {
	st.mu.Lock()
	s, ok := st.sessions[runID]
	delete(st.sessions, runID)
	if timer, tok := st.timers[runID]; tok {
		timer.Stop()
		delete(st.timers, runID)
	}
	st.mu.Unlock()

	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Stop(ctx)
}

// Range calls fn for every live session. The callback runs outside the
// store lock.
func (st *Store) Range(fn func(s *Session)) {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.Unlock()

	for _, s := range sessions {
		fn(s)
	}
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Close evicts every session and rejects further Puts. Used on manager
// shutdown.
func (st *Store) Close(ctx context.Context) {
	st.mu.Lock()
	st.closed = true
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	for _, timer := range st.timers {
		timer.Stop()
	}
	st.timers = make(map[string]*time.Timer)
	st.mu.Unlock()

	for _, id := range ids {
		st.mu.Lock()
		s, ok := st.sessions[id]
		delete(st.sessions, id)
		st.mu.Unlock()
		if ok {
			_ = s.Stop(ctx)
		}
	}
}
