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
	"strings"
)

// Scopes a JWT may carry. Static and file tokens, and JWTs without a
// scopes claim, have full access.
const (
	ScopeSessionsRead   = "sessions:read"
	ScopeSessionsWrite  = "sessions:write"
	ScopeWorkflowsWrite = "workflows:write"
)

// MatchesScope reports whether any granted scope covers required. A
// grant ending in "*" matches by prefix, so "sessions:*" covers both
// session scopes and "*" covers everything.
func MatchesScope(granted []string, required string) bool {
	if len(granted) == 0 {
		return true
	}
	for _, scope := range granted {
		if scope == required {
			return true
		}
		if strings.HasSuffix(scope, "*") &&
			strings.HasPrefix(required, strings.TrimSuffix(scope, "*")) {
			return true
		}
	}
	return false
}

// RequireScope rejects requests whose principal lacks the scope. Requests
// with no principal (auth disabled) pass through.
func RequireScope(required string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if ok && !MatchesScope(p.Scopes, required) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"missing scope ` + required + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
