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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesScope(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required string
		want     bool
	}{
		{"empty grants mean full access", nil, ScopeSessionsWrite, true},
		{"exact match", []string{ScopeSessionsRead}, ScopeSessionsRead, true},
		{"no match", []string{ScopeSessionsRead}, ScopeSessionsWrite, false},
		{"prefix wildcard", []string{"sessions:*"}, ScopeSessionsWrite, true},
		{"global wildcard", []string{"*"}, ScopeWorkflowsWrite, true},
		{"wildcard wrong prefix", []string{"workflows:*"}, ScopeSessionsRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesScope(tt.granted, tt.required))
		})
	}
}

func TestRequireScope(t *testing.T) {
	handler := RequireScope(ScopeSessionsWrite,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))

	t.Run("no principal passes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("scoped principal allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
		req = req.WithContext(ContextWithPrincipal(req.Context(),
			&Principal{ID: "ada", Scopes: []string{ScopeSessionsWrite}}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("missing scope forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
		req = req.WithContext(ContextWithPrincipal(req.Context(),
			&Principal{ID: "ada", Scopes: []string{ScopeSessionsRead}}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestLimiter(t *testing.T) {
	t.Run("zero rate disables", func(t *testing.T) {
		l := NewLimiter(0, 0)
		for i := 0; i < 100; i++ {
			assert.True(t, l.Allow("anyone"))
		}
		assert.Equal(t, 0, l.Callers())
	})

	t.Run("burst then reject", func(t *testing.T) {
		l := NewLimiter(0.001, 2)
		assert.True(t, l.Allow("ada"))
		assert.True(t, l.Allow("ada"))
		assert.False(t, l.Allow("ada"))
	})

	t.Run("callers are independent", func(t *testing.T) {
		l := NewLimiter(0.001, 1)
		assert.True(t, l.Allow("ada"))
		assert.False(t, l.Allow("ada"))
		assert.True(t, l.Allow("grace"))
		assert.Equal(t, 2, l.Callers())
	})
}
