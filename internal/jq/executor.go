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

// Package jq compiles and runs jq programs with a hard execution timeout.
// Validator plugins evaluate user-supplied queries against grade documents;
// a pathological query must not stall a session stage.
package jq

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds a single query execution.
const DefaultTimeout = 1 * time.Second

// Compile parses and compiles a jq query. Syntax errors surface here, at
// configure time, not per submission.
func Compile(query string) (*gojq.Code, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	return code, nil
}

// Executor runs compiled jq programs under a timeout.
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates an executor. A zero timeout means DefaultTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Run evaluates code against input. Zero outputs yield nil, one output is
// returned directly, several fold into a slice. Input must be built from
// gojq-compatible types (nil, bool, float64, string, []any, map[string]any).
func (e *Executor) Run(ctx context.Context, code *gojq.Code, input any) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	iter := code.RunWithContext(execCtx, input)

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("jq execution timed out after %v", e.timeout)
			}
			return nil, fmt.Errorf("jq execution failed: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
