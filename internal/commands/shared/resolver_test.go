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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestTokenRoundTrip(t *testing.T) {
	keyring.MockInit()

	token, err := LoadToken()
	require.NoError(t, err)
	assert.Empty(t, token, "no token stored yet")

	require.NoError(t, StoreToken("tok-abc"))
	token, err = LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", token)

	require.NoError(t, DeleteToken())
	token, err = LoadToken()
	require.NoError(t, err)
	assert.Empty(t, token)

	// Deleting twice must stay silent.
	require.NoError(t, DeleteToken())
}

func TestResolveClientEnvWinsOverKeychain(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, StoreToken("from-keychain"))

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","version":"test"}`)
	}))
	defer srv.Close()

	t.Setenv(EnvAPIURL, srv.URL)
	t.Setenv(EnvAPIToken, "from-env")

	c, err := ResolveClient()
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer from-env", gotAuth)
}

func TestResolveClientFallsBackToKeychain(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, StoreToken("from-keychain"))

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","version":"test"}`)
	}))
	defer srv.Close()

	t.Setenv(EnvAPIURL, srv.URL)
	t.Setenv(EnvAPIToken, "")

	c, err := ResolveClient()
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer from-keychain", gotAuth)
}
