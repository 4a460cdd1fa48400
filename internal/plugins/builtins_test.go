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

package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/sdk"
)

func TestRegisterBuiltins(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterBuiltins(reg))

	manifests := reg.Manifests()
	ids := make([]string, len(manifests))
	for i, m := range manifests {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{ExprcheckID, JqcheckID, KeywordID, PlaintextID}, ids)

	// Registering twice collides on ids.
	assert.Error(t, RegisterBuiltins(reg))
}

func TestBuiltinsInstantiateThroughRegistry(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterBuiltins(reg))

	logger := &memLogger{}

	instance, err := reg.Instantiate(PlaintextID, nil, logger)
	require.NoError(t, err)
	_, ok := instance.(sdk.Transcriber)
	assert.True(t, ok)

	instance, err = reg.Instantiate(KeywordID, map[string]any{"keywords": "alpha"}, logger)
	require.NoError(t, err)
	_, ok = instance.(sdk.Grader)
	assert.True(t, ok)

	instance, err = reg.Instantiate(ExprcheckID, map[string]any{"expr": "score > 0"}, logger)
	require.NoError(t, err)
	_, ok = instance.(sdk.Validator)
	assert.True(t, ok)

	instance, err = reg.Instantiate(JqcheckID, map[string]any{"query": ".score"}, logger)
	require.NoError(t, err)
	_, ok = instance.(sdk.Validator)
	assert.True(t, ok)
}

func TestBuiltinsRejectBadSettings(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterBuiltins(reg))

	_, err := reg.Instantiate(KeywordID, map[string]any{"points_per_match": -1}, &memLogger{})
	assert.Error(t, err)

	_, err = reg.Instantiate(PlaintextID, map[string]any{"unknown": true}, &memLogger{})
	assert.Error(t, err)
}
