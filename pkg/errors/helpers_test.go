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

package errors_test

import (
	"errors"
	"strings"
	"testing"

	fairerrors "github.com/azapg/FAIR/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("original error")
		wrapped := fairerrors.Wrap(original, "additional context")

		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "additional context") {
			t.Errorf("wrapped error should contain context, got: %s", msg)
		}
		if !strings.Contains(msg, "original error") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := fairerrors.Wrap(nil, "context")
		if wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := fairerrors.Wrap(original, "context")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}

		unwrapped := errors.Unwrap(wrapped)
		if unwrapped != original {
			t.Errorf("Unwrap should return original error, got: %v", unwrapped)
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("wraps error with formatted context", func(t *testing.T) {
		original := errors.New("file not found")
		wrapped := fairerrors.Wrapf(original, "loading manifest %s", "/workflows/essay.yaml")

		if wrapped == nil {
			t.Fatal("Wrapf should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "loading manifest /workflows/essay.yaml") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
		if !strings.Contains(msg, "file not found") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := fairerrors.Wrapf(nil, "loading manifest %s", "/workflows/essay.yaml")
		if wrapped != nil {
			t.Errorf("Wrapf(nil, _, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("connection refused")
		wrapped := fairerrors.Wrapf(original, "connecting to %s:%d", "localhost", 8787)

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}
	})
}

func TestPredicates(t *testing.T) {
	notFound := &fairerrors.NotFoundError{Resource: "workflow", ID: "w1"}
	validation := &fairerrors.ValidationError{Field: "max_score", Message: "out of range"}
	timeout := &fairerrors.TimeoutError{Operation: "grade", Duration: 0}
	plugin := &fairerrors.PluginError{Plugin: "keyword", Op: "grade"}

	tests := []struct {
		name string
		pred func(error) bool
		err  error
		want bool
	}{
		{"not found direct", fairerrors.IsNotFound, notFound, true},
		{"not found wrapped", fairerrors.IsNotFound, fairerrors.Wrap(notFound, "loading"), true},
		{"not found mismatch", fairerrors.IsNotFound, validation, false},
		{"validation direct", fairerrors.IsValidation, validation, true},
		{"timeout wrapped", fairerrors.IsTimeout, fairerrors.Wrap(timeout, "stage"), true},
		{"plugin wrapped twice", fairerrors.IsPlugin, fairerrors.Wrap(fairerrors.Wrap(plugin, "a"), "b"), true},
		{"nil error", fairerrors.IsPlugin, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.err); got != tt.want {
				t.Errorf("predicate = %v, want %v", got, tt.want)
			}
		})
	}
}
