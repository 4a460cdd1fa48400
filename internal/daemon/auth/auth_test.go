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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azapg/FAIR/internal/config"
)

func okHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), &called
}

func doRequest(t *testing.T, m *Middleware, token string) *httptest.ResponseRecorder {
	t.Helper()
	handler, _ := okHandler()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	m.Wrap(handler).ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	m, err := NewMiddleware(config.AuthConfig{Enabled: false, ForceInsecure: true}, nil)
	require.NoError(t, err)

	rec := doRequest(t, m, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareStaticToken(t *testing.T) {
	m, err := NewMiddleware(config.AuthConfig{Enabled: true, Token: "s3cret"}, nil)
	require.NoError(t, err)

	t.Run("accepts matching token", func(t *testing.T) {
		rec := doRequest(t, m, "s3cret")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		rec := doRequest(t, m, "nope")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("rejects missing header", func(t *testing.T) {
		rec := doRequest(t, m, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestMiddlewareCaseInsensitiveScheme(t *testing.T) {
	m, err := NewMiddleware(config.AuthConfig{Enabled: true, Token: "s3cret"}, nil)
	require.NoError(t, err)

	handler, called := okHandler()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "BEARER s3cret")
	rec := httptest.NewRecorder()
	m.Wrap(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *called)
}

func TestMiddlewareTokenFile(t *testing.T) {
	hash, err := HashToken("file-secret")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, os.WriteFile(path, []byte("# admins\n\n"+hash+"\n"), 0o600))

	m, err := NewMiddleware(config.AuthConfig{Enabled: true, TokenFile: path}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, doRequest(t, m, "file-secret").Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, m, "other").Code)
}

func TestMiddlewareRejectsMalformedTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, os.WriteFile(path, []byte("plaintext-token\n"), 0o600))

	_, err := NewMiddleware(config.AuthConfig{Enabled: true, TokenFile: path}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argon2id")
}

func TestMiddlewareJWT(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled:     true,
		JWTSecret:   "hmac-secret",
		JWTIssuer:   "fair-test",
		JWTAudience: "fair-api",
		JWTLeeway:   30 * time.Second,
	}
	m, err := NewMiddleware(cfg, nil)
	require.NoError(t, err)

	mint := func(t *testing.T, claims Claims) string {
		t.Helper()
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString([]byte("hmac-secret"))
		require.NoError(t, err)
		return signed
	}

	t.Run("accepts valid token and injects principal", func(t *testing.T) {
		token := mint(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "ada",
				Issuer:    "fair-test",
				Audience:  jwt.ClaimStrings{"fair-api"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Scopes: []string{ScopeSessionsRead},
		})

		var principal *Principal
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ = PrincipalFromContext(r.Context())
		})
		req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		m.Wrap(handler).ServeHTTP(httptest.NewRecorder(), req)

		require.NotNil(t, principal)
		assert.Equal(t, "ada", principal.ID)
		assert.Equal(t, []string{ScopeSessionsRead}, principal.Scopes)
	})

	t.Run("rejects expired token", func(t *testing.T) {
		token := mint(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "fair-test",
				Audience:  jwt.ClaimStrings{"fair-api"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, m, token).Code)
	})

	t.Run("rejects wrong issuer", func(t *testing.T) {
		token := mint(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "somebody-else",
				Audience:  jwt.ClaimStrings{"fair-api"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, m, token).Code)
	})

	t.Run("rejects wrong audience", func(t *testing.T) {
		token := mint(t, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "fair-test",
				Audience:  jwt.ClaimStrings{"someone-else"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, m, token).Code)
	})

	t.Run("rejects unexpected signing method", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "fair-test",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString([]byte("hmac-secret"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, m, token).Code)
	})
}

func TestMiddlewareRateLimit(t *testing.T) {
	m, err := NewMiddleware(config.AuthConfig{
		Enabled:   true,
		Token:     "s3cret",
		RateLimit: 1,
		RateBurst: 2,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, doRequest(t, m, "s3cret").Code)
	assert.Equal(t, http.StatusOK, doRequest(t, m, "s3cret").Code)

	rec := doRequest(t, m, "s3cret")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
