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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azapg/FAIR/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10, cfg.Engine.Parallelism)
	assert.Equal(t, time.Duration(0), cfg.Engine.PluginCallTimeout)
	assert.Equal(t, 500, cfg.Engine.LogBufferSize)
	assert.Equal(t, 30*time.Second, cfg.Engine.SessionEvictGrace)
	assert.Equal(t, LogBestEffort, cfg.Engine.LogPersistence)

	assert.Equal(t, "127.0.0.1:7600", cfg.Daemon.TCPAddr)
	assert.Equal(t, BackendSQLite, cfg.Daemon.Backend.Type)
	assert.True(t, cfg.Daemon.Backend.WAL)
	assert.True(t, cfg.Daemon.Auth.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fair.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  parallelism: 4
  plugin_call_timeout: 45s
  log_persistence: strict
daemon:
  tcp_addr: "0.0.0.0:9999"
  backend:
    type: memory
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.Parallelism)
	assert.Equal(t, 45*time.Second, cfg.Engine.PluginCallTimeout)
	assert.Equal(t, LogStrict, cfg.Engine.LogPersistence)
	assert.Equal(t, "0.0.0.0:9999", cfg.Daemon.TCPAddr)
	assert.Equal(t, BackendMemory, cfg.Daemon.Backend.Type)

	// Fields the file does not name keep their defaults.
	assert.Equal(t, 500, cfg.Engine.LogBufferSize)
	assert.Equal(t, 30*time.Second, cfg.Daemon.DrainTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	var cfgErr *errors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARALLELISM", "3")
	t.Setenv("PLUGIN_CALL_TIMEOUT", "2m")
	t.Setenv("LOG_BUFFER_SIZE", "100")
	t.Setenv("SESSION_EVICT_GRACE", "5s")
	t.Setenv("LOG_PERSISTENCE", "STRICT")
	t.Setenv("FAIR_TCP_ADDR", "127.0.0.1:8800")
	t.Setenv("FAIR_BACKEND", "memory")
	t.Setenv("FAIR_API_TOKEN", "sekrit")
	t.Setenv("FAIR_DRAIN_TIMEOUT", "1m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.Parallelism)
	assert.Equal(t, 2*time.Minute, cfg.Engine.PluginCallTimeout)
	assert.Equal(t, 100, cfg.Engine.LogBufferSize)
	assert.Equal(t, 5*time.Second, cfg.Engine.SessionEvictGrace)
	assert.Equal(t, LogStrict, cfg.Engine.LogPersistence)
	assert.Equal(t, "127.0.0.1:8800", cfg.Daemon.TCPAddr)
	assert.Equal(t, BackendMemory, cfg.Daemon.Backend.Type)
	assert.Equal(t, "sekrit", cfg.Daemon.Auth.Token)
	assert.Equal(t, time.Minute, cfg.Daemon.DrainTimeout)
}

func TestEnvUnparseableFallsBack(t *testing.T) {
	t.Setenv("PARALLELISM", "lots")
	t.Setenv("FAIR_DRAIN_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Engine.Parallelism)
	assert.Equal(t, 30*time.Second, cfg.Daemon.DrainTimeout)
}

func TestEnvAuthDisabled(t *testing.T) {
	t.Setenv("FAIR_AUTH_DISABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Daemon.Auth.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{
			name:   "zero parallelism",
			mutate: func(c *Config) { c.Engine.Parallelism = 0 },
			key:    "engine.parallelism",
		},
		{
			name:   "negative timeout",
			mutate: func(c *Config) { c.Engine.PluginCallTimeout = -time.Second },
			key:    "engine.plugin_call_timeout",
		},
		{
			name:   "zero buffer",
			mutate: func(c *Config) { c.Engine.LogBufferSize = 0 },
			key:    "engine.log_buffer_size",
		},
		{
			name:   "bad persistence mode",
			mutate: func(c *Config) { c.Engine.LogPersistence = "eventually" },
			key:    "engine.log_persistence",
		},
		{
			name:   "bad backend type",
			mutate: func(c *Config) { c.Daemon.Backend.Type = "postgres" },
			key:    "daemon.backend.type",
		},
		{
			name:   "bad exporter",
			mutate: func(c *Config) { c.Daemon.Telemetry.TraceExporter = "jaeger" },
			key:    "daemon.telemetry.trace_exporter",
		},
		{
			name:   "sample rate out of range",
			mutate: func(c *Config) { c.Daemon.Telemetry.SampleRate = 1.5 },
			key:    "daemon.telemetry.sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}

func TestSQLitePath(t *testing.T) {
	cfg := Default()
	cfg.Daemon.DataDir = "/var/lib/fair"
	assert.Equal(t, "/var/lib/fair/fair.db", cfg.SQLitePath())

	cfg.Daemon.Backend.Path = "/tmp/other.db"
	assert.Equal(t, "/tmp/other.db", cfg.SQLitePath())
}
