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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusOnOff(t *testing.T) {
	t.Run("register and count", func(t *testing.T) {
		bus := NewEventBus(nil)

		bus.On(TypeLog, func(Envelope) error { return nil })
		bus.On(TypeLog, func(Envelope) error { return nil })
		bus.On(TypeClose, func(Envelope) error { return nil })

		assert.Equal(t, 2, bus.SubscriberCount(TypeLog))
		assert.Equal(t, 1, bus.SubscriberCount(TypeClose))
	})

	t.Run("off removes exactly one registration", func(t *testing.T) {
		bus := NewEventBus(nil)

		handler := func(Envelope) error { return nil }
		first := bus.On(TypeLog, handler)
		bus.On(TypeLog, handler)

		bus.Off(first)
		assert.Equal(t, 1, bus.SubscriberCount(TypeLog))
	})

	t.Run("off is idempotent", func(t *testing.T) {
		bus := NewEventBus(nil)

		sub := bus.On(TypeLog, func(Envelope) error { return nil })
		bus.Off(sub)
		bus.Off(sub)

		assert.Equal(t, 0, bus.SubscriberCount(TypeLog))
	})
}

func TestEventBusEmit(t *testing.T) {
	t.Run("delivers in registration order", func(t *testing.T) {
		bus := NewEventBus(nil)
		var order []int

		bus.On(TypeLog, func(Envelope) error { order = append(order, 1); return nil })
		bus.On(TypeLog, func(Envelope) error { order = append(order, 2); return nil })
		bus.On(TypeLog, func(Envelope) error { order = append(order, 3); return nil })

		bus.Emit(TypeLog, NewLog(LevelInfo, "hello"))
		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("handler error does not stop delivery", func(t *testing.T) {
		bus := NewEventBus(nil)
		var reached bool

		bus.On(TypeLog, func(Envelope) error { return errors.New("boom") })
		bus.On(TypeLog, func(Envelope) error { reached = true; return nil })

		bus.Emit(TypeLog, NewLog(LevelInfo, "hello"))
		assert.True(t, reached)
	})

	t.Run("handler panic does not stop delivery", func(t *testing.T) {
		bus := NewEventBus(nil)
		var reached bool

		bus.On(TypeLog, func(Envelope) error { panic("boom") })
		bus.On(TypeLog, func(Envelope) error { reached = true; return nil })

		bus.Emit(TypeLog, NewLog(LevelInfo, "hello"))
		assert.True(t, reached)
	})

	t.Run("no subscribers is a no-op", func(t *testing.T) {
		bus := NewEventBus(nil)
		bus.Emit(TypeLog, NewLog(LevelInfo, "nobody home"))
	})

	t.Run("only the topic's handlers run", func(t *testing.T) {
		bus := NewEventBus(nil)
		var called bool

		bus.On(TypeClose, func(Envelope) error { called = true; return nil })
		bus.Emit(TypeLog, NewLog(LevelInfo, "hello"))

		assert.False(t, called)
	})

	t.Run("handler may unsubscribe itself during emit", func(t *testing.T) {
		bus := NewEventBus(nil)
		var sub Subscription
		calls := 0

		sub = bus.On(TypeLog, func(Envelope) error {
			calls++
			bus.Off(sub)
			return nil
		})

		bus.Emit(TypeLog, NewLog(LevelInfo, "first"))
		bus.Emit(TypeLog, NewLog(LevelInfo, "second"))

		assert.Equal(t, 1, calls)
	})
}

func TestIndexedEventBus(t *testing.T) {
	t.Run("indices are strictly monotonic", func(t *testing.T) {
		bus := NewIndexedEventBus(nil)
		var indices []uint64

		bus.On(TypeLog, func(evt Envelope) error {
			require.True(t, evt.Indexed)
			indices = append(indices, evt.Index)
			return nil
		})

		for i := 0; i < 10; i++ {
			bus.Emit(TypeLog, NewLog(LevelInfo, "entry"))
		}

		require.Len(t, indices, 10)
		for i, idx := range indices {
			assert.Equal(t, uint64(i), idx)
		}
	})

	t.Run("indices are unique across topics", func(t *testing.T) {
		bus := NewIndexedEventBus(nil)
		seen := map[uint64]bool{}
		var mu sync.Mutex

		record := func(evt Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			require.False(t, seen[evt.Index], "duplicate index %d", evt.Index)
			seen[evt.Index] = true
			return nil
		}
		bus.On(TypeLog, record)
		bus.On(TypeUpdate, record)

		bus.Emit(TypeLog, NewLog(LevelInfo, "a"))
		bus.Emit(TypeUpdate, NewUpdate(ObjectWorkflowRun, map[string]any{"id": "r1"}))
		bus.Emit(TypeLog, NewLog(LevelInfo, "b"))

		assert.Len(t, seen, 3)
	})
}
