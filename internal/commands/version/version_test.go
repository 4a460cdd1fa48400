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

package version

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/azapg/FAIR/internal/commands/shared"
)

func TestVersionCommand(t *testing.T) {
	keyring.MockInit()
	shared.SetVersion("1.2.3", "abc123", "2026-01-02")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","version":"9.9.9"}`)
	}))
	defer srv.Close()
	t.Setenv(shared.EnvAPIURL, srv.URL)
	t.Setenv(shared.EnvAPIToken, "")

	cmd := NewVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "fair version 1.2.3")
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "9.9.9")
}

func TestVersionCommandDaemonDown(t *testing.T) {
	keyring.MockInit()
	shared.SetVersion("1.2.3", "abc123", "2026-01-02")
	t.Setenv(shared.EnvAPIURL, "http://127.0.0.1:1")
	t.Setenv(shared.EnvAPIToken, "")

	cmd := NewVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.NotContains(t, buf.String(), "daemon:")
}
