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

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// callerIdleTTL is how long an idle caller's bucket survives.
	callerIdleTTL = 10 * time.Minute

	// pruneInterval bounds how often Allow sweeps idle buckets.
	pruneInterval = time.Minute
)

// Limiter rate-limits per caller with token buckets. A zero or negative
// rate disables limiting.
type Limiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	callers   map[string]*caller
	lastPrune time.Time
}

type caller struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter creates a per-caller limiter.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit:     rate.Limit(rps),
		burst:     burst,
		callers:   make(map[string]*caller),
		lastPrune: time.Now(),
	}
}

// Allow reports whether the caller may proceed, consuming one token.
func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > pruneInterval {
		for k, c := range l.callers {
			if now.Sub(c.seen) > callerIdleTTL {
				delete(l.callers, k)
			}
		}
		l.lastPrune = now
	}

	c, ok := l.callers[key]
	if !ok {
		c = &caller{lim: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = c
	}
	c.seen = now
	return c.lim.Allow()
}

// Callers reports the number of tracked buckets.
func (l *Limiter) Callers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callers)
}
