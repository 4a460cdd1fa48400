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
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/azapg/FAIR/internal/config"
	"github.com/azapg/FAIR/pkg/errors"
)

// JWTConfig validates bearer JWTs. Secret enables HS256, PublicKey EdDSA;
// either may be set, both may not be empty.
type JWTConfig struct {
	Secret    []byte
	PublicKey ed25519.PublicKey
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// Claims are the JWT claims the daemon understands.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// newJWTConfig builds the JWT validator from daemon auth config. Returns
// nil when no JWT credentials are configured.
func newJWTConfig(cfg config.AuthConfig) (*JWTConfig, error) {
	if cfg.JWTSecret == "" && cfg.JWTPublicKeyFile == "" {
		return nil, nil
	}

	jc := &JWTConfig{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.JWTLeeway,
	}
	if cfg.JWTSecret != "" {
		jc.Secret = []byte(cfg.JWTSecret)
	}
	if cfg.JWTPublicKeyFile != "" {
		key, err := loadEd25519PublicKey(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, &errors.ConfigError{
				Key:    "daemon.auth.jwt_public_key_file",
				Reason: err.Error(),
			}
		}
		jc.PublicKey = key
	}
	return jc, nil
}

// Validate parses and validates a token, returning its claims.
func (c *JWTConfig) Validate(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithLeeway(c.Leeway))

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(c.Secret) == 0 {
				return nil, fmt.Errorf("HS256 token but no secret configured")
			}
			return c.Secret, nil
		case "EdDSA":
			if c.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA token but no public key configured")
			}
			return c.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	if c.Issuer != "" && claims.Issuer != c.Issuer {
		return nil, fmt.Errorf("invalid issuer %q", claims.Issuer)
	}
	if c.Audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == c.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("audience does not include %q", c.Audience)
		}
	}
	return claims, nil
}

func loadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("expected Ed25519 public key, got %T", parsed)
	}
	return key, nil
}
