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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLoggerLevels(t *testing.T) {
	bus := NewIndexedEventBus(nil)

	var delivered []Envelope
	bus.On(TypeLog, func(evt Envelope) error {
		delivered = append(delivered, evt)
		return nil
	})

	queue := NewLogQueue(bus)
	defer queue.Stop(context.Background())
	logger := NewSessionLogger(queue)

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	require.NoError(t, queue.Flush(context.Background()))
	require.Len(t, delivered, 4)

	assert.Equal(t, LevelDebug, delivered[0].Level)
	assert.Equal(t, LevelInfo, delivered[1].Level)
	assert.Equal(t, LevelWarn, delivered[2].Level)
	assert.Equal(t, LevelError, delivered[3].Level)

	// Session-level entries carry no plugin attribution.
	for _, evt := range delivered {
		assert.Equal(t, "", evt.PluginID())
	}
}

func TestPluginLoggerAttribution(t *testing.T) {
	bus := NewIndexedEventBus(nil)

	var delivered []Envelope
	bus.On(TypeLog, func(evt Envelope) error {
		delivered = append(delivered, evt)
		return nil
	})

	queue := NewLogQueue(bus)
	defer queue.Stop(context.Background())
	logger := NewSessionLogger(queue)

	child := logger.Child("dev.fair.keyword")
	assert.Equal(t, "dev.fair.keyword", child.PluginID())

	logger.Info("session")
	child.Info("plugin")

	require.NoError(t, queue.Flush(context.Background()))
	require.Len(t, delivered, 2)
	assert.Equal(t, "", delivered[0].PluginID())
	assert.Equal(t, "dev.fair.keyword", delivered[1].PluginID())
}
