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

// Package auth provides authentication middleware for the daemon API.
//
// Three credential forms are accepted on the Authorization header: the
// static token from config (constant-time compare), tokens whose argon2id
// hashes are listed in the token file, and JWTs (HS256 or EdDSA). Static
// and file tokens grant full access; JWTs carry scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/azapg/FAIR/internal/config"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is an authenticated caller. Empty Scopes means full access.
type Principal struct {
	ID     string
	Scopes []string
}

// PrincipalFromContext extracts the caller from the request context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

// ContextWithPrincipal injects a caller, for handlers and tests.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// Middleware authenticates and rate-limits API requests.
type Middleware struct {
	cfg     config.AuthConfig
	jwt     *JWTConfig
	hashes  []string
	limiter *Limiter
	logger  *slog.Logger
}

// NewMiddleware builds the middleware from config, loading the token file
// and JWT public key up front so misconfiguration fails at boot.
func NewMiddleware(cfg config.AuthConfig, logger *slog.Logger) (*Middleware, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	m := &Middleware{
		cfg:     cfg,
		limiter: NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger,
	}

	if !cfg.Enabled {
		if !cfg.ForceInsecure {
			logger.Warn("API AUTHENTICATION IS DISABLED; anyone who can reach the listener can create and cancel runs. Set daemon.auth.force_insecure to acknowledge.")
		}
		return m, nil
	}

	if cfg.TokenFile != "" {
		hashes, err := LoadTokenFile(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		m.hashes = hashes
	}

	jwtCfg, err := newJWTConfig(cfg)
	if err != nil {
		return nil, err
	}
	m.jwt = jwtCfg

	if cfg.Token == "" && len(m.hashes) == 0 && m.jwt == nil {
		logger.Warn("auth is enabled but no credentials are configured; every request will be rejected")
	}
	return m, nil
}

// Wrap enforces authentication and rate limiting on next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			m.unauthorized(w, "missing bearer token")
			return
		}

		principal := m.authenticate(token)
		if principal == nil {
			m.unauthorized(w, "invalid credentials")
			return
		}

		if !m.limiter.Allow(limiterKey(principal, r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// authenticate resolves a bearer token to a principal, or nil.
func (m *Middleware) authenticate(token string) *Principal {
	// JWTs are structurally distinct from opaque tokens.
	if m.jwt != nil && strings.Count(token, ".") == 2 {
		claims, err := m.jwt.Validate(token)
		if err == nil {
			id := claims.Subject
			if id == "" {
				id = "jwt"
			}
			return &Principal{ID: id, Scopes: claims.Scopes}
		}
		m.logger.Debug("jwt validation failed", "error", err)
	}

	if m.cfg.Token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(m.cfg.Token)) == 1 {
		return &Principal{ID: "static-token"}
	}

	for _, hash := range m.hashes {
		if VerifyTokenHash(token, hash) {
			return &Principal{ID: "file-token"}
		}
	}
	return nil
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="fair"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// bearerToken extracts the token from the Authorization header,
// case-insensitive per RFC 6750.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

// limiterKey buckets by principal; unauthenticated paths fall back to the
// peer address.
func limiterKey(p *Principal, r *http.Request) string {
	if p != nil && p.ID != "" {
		return p.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
