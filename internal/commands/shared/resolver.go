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

package shared

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/azapg/FAIR/internal/client"
)

const (
	// EnvAPIURL overrides the daemon address.
	EnvAPIURL = "FAIR_API_URL"

	// EnvAPIToken supplies the bearer token directly, bypassing the
	// keychain. Useful for CI and scripts.
	EnvAPIToken = "FAIR_API_TOKEN"

	// keyringService is the service name used for keychain entries.
	keyringService = "fair"

	// keyringTokenKey is the keychain entry holding the API token.
	keyringTokenKey = "api-token"
)

// ResolveClient builds a daemon client from flags, environment and the
// system keychain, in that order of precedence. A missing token is not
// an error: local daemons may run without auth.
func ResolveClient() (*client.Client, error) {
	baseURL := GetAPIURL()
	if baseURL == "" {
		baseURL = os.Getenv(EnvAPIURL)
	}

	token := os.Getenv(EnvAPIToken)
	if token == "" {
		stored, err := LoadToken()
		if err != nil {
			return nil, err
		}
		token = stored
	}

	return client.New(baseURL, token), nil
}

// LoadToken reads the stored API token from the system keychain. It
// returns "" without error when no token has been stored.
func LoadToken() (string, error) {
	token, err := keyring.Get(keyringService, keyringTokenKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		// A locked or absent keychain service should not break
		// tokenless usage against a local daemon.
		return "", nil
	}
	return token, nil
}

// StoreToken saves the API token in the system keychain.
func StoreToken(token string) error {
	if err := keyring.Set(keyringService, keyringTokenKey, token); err != nil {
		return fmt.Errorf("failed to store token in keychain: %w", err)
	}
	return nil
}

// DeleteToken removes the stored API token. Deleting a token that was
// never stored is not an error.
func DeleteToken() error {
	err := keyring.Delete(keyringService, keyringTokenKey)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to remove token from keychain: %w", err)
	}
	return nil
}
