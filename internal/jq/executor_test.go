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

package jq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsBadSyntax(t *testing.T) {
	_, err := Compile(".score >=")
	require.Error(t, err)

	_, err = Compile(".score >= 50")
	require.NoError(t, err)
}

func TestRunSingleResult(t *testing.T) {
	code, err := Compile(".score >= .max_score * 0.5")
	require.NoError(t, err)

	exec := NewExecutor(0)
	out, err := exec.Run(context.Background(), code, map[string]any{
		"score":     80.0,
		"max_score": 100.0,
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestRunMultipleResultsFold(t *testing.T) {
	code, err := Compile(".[] | . * 2")
	require.NoError(t, err)

	exec := NewExecutor(0)
	out, err := exec.Run(context.Background(), code, []any{1.0, 2.0})
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 4.0}, out)
}

func TestRunEmptyResultIsNil(t *testing.T) {
	code, err := Compile("empty")
	require.NoError(t, err)

	exec := NewExecutor(0)
	out, err := exec.Run(context.Background(), code, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRunRuntimeError(t *testing.T) {
	code, err := Compile(`.score | error("boom")`)
	require.NoError(t, err)

	exec := NewExecutor(0)
	_, err = exec.Run(context.Background(), code, map[string]any{"score": 1.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq execution failed")
}

func TestRunTimeout(t *testing.T) {
	// A non-terminating loop that never produces an output.
	code, err := Compile("until(false; .)")
	require.NoError(t, err)

	exec := NewExecutor(50 * time.Millisecond)
	_, err = exec.Run(context.Background(), code, map[string]any{"score": 1.0})
	require.Error(t, err)
}
