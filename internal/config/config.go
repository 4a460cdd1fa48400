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

// Package config loads engine and daemon configuration. Layering is
// Default() -> optional YAML file -> environment variables -> Validate().
// Environment variables take precedence over file values; unparseable env
// values are ignored and the previous value stands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/azapg/FAIR/pkg/errors"
)

// Log persistence modes for session envelope history.
const (
	// LogBestEffort suppresses further appends after the first write error.
	LogBestEffort = "best_effort"

	// LogStrict fails the run when an append errors.
	LogStrict = "strict"
)

// Backend types.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Trace exporter types.
const (
	TraceExporterNone     = "none"
	TraceExporterStdout   = "stdout"
	TraceExporterOTLPHTTP = "otlp_http"
	TraceExporterOTLPGRPC = "otlp_grpc"
)

// Config is the complete FAIR engine configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Daemon DaemonConfig `yaml:"daemon"`
}

// EngineConfig holds the session execution knobs. These use the platform's
// canonical unprefixed env names so workflow deployments stay portable.
type EngineConfig struct {
	// Parallelism is the maximum number of in-flight submissions per stage.
	// Environment: PARALLELISM
	// Default: 10
	Parallelism int `yaml:"parallelism,omitempty"`

	// PluginCallTimeout bounds each synchronous plugin call. Zero disables
	// the timeout.
	// Environment: PLUGIN_CALL_TIMEOUT
	PluginCallTimeout time.Duration `yaml:"plugin_call_timeout,omitempty"`

	// LogBufferSize is the session replay ring capacity.
	// Environment: LOG_BUFFER_SIZE
	// Default: 500
	LogBufferSize int `yaml:"log_buffer_size,omitempty"`

	// SessionEvictGrace is how long a terminal session stays attachable
	// before eviction.
	// Environment: SESSION_EVICT_GRACE
	// Default: 30s
	SessionEvictGrace time.Duration `yaml:"session_evict_grace,omitempty"`

	// LogPersistence selects best_effort or strict run log persistence.
	// Environment: LOG_PERSISTENCE
	// Default: best_effort
	LogPersistence string `yaml:"log_persistence,omitempty"`
}

// DaemonConfig holds daemon process settings. All env names carry the
// FAIR_ prefix.
type DaemonConfig struct {
	// TCPAddr is the HTTP listen address.
	// Environment: FAIR_TCP_ADDR
	// Default: 127.0.0.1:7600
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// DataDir is where the daemon keeps its database.
	// Environment: FAIR_DATA_DIR
	DataDir string `yaml:"data_dir,omitempty"`

	// WorkflowsDir is scanned and watched for YAML workflow manifests.
	// Environment: FAIR_WORKFLOWS_DIR
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`

	// InboxDir enables drop-folder submission intake when set.
	// Environment: FAIR_INBOX_DIR
	InboxDir string `yaml:"inbox_dir,omitempty"`

	// InboxPatterns filters intake files (doublestar globs).
	InboxPatterns []string `yaml:"inbox_patterns,omitempty"`

	// ShutdownTimeout is the maximum duration of a graceful shutdown.
	// Environment: FAIR_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout is how long active sessions get to finish once the
	// daemon stops accepting new ones.
	// Environment: FAIR_DRAIN_TIMEOUT
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`

	Auth      AuthConfig      `yaml:"auth,omitempty"`
	Backend   BackendConfig   `yaml:"backend,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// AuthConfig configures daemon API authentication.
type AuthConfig struct {
	// Enabled controls whether requests must authenticate.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// ForceInsecure acknowledges running with auth disabled and suppresses
	// the startup warning. Development only.
	ForceInsecure bool `yaml:"force_insecure,omitempty"`

	// Token is a static bearer token, compared in constant time.
	// Environment: FAIR_API_TOKEN
	Token string `yaml:"token,omitempty"`

	// TokenFile points at a file of argon2id token hashes, one per line.
	// Environment: FAIR_TOKEN_FILE
	TokenFile string `yaml:"token_file,omitempty"`

	// JWTSecret enables HS256 bearer JWTs when set.
	// Environment: FAIR_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// JWTPublicKeyFile enables EdDSA bearer JWTs; PEM-encoded Ed25519 key.
	// Environment: FAIR_JWT_PUBLIC_KEY_FILE
	JWTPublicKeyFile string `yaml:"jwt_public_key_file,omitempty"`

	// JWTIssuer and JWTAudience are matched against token claims when set.
	JWTIssuer   string `yaml:"jwt_issuer,omitempty"`
	JWTAudience string `yaml:"jwt_audience,omitempty"`

	// JWTLeeway tolerates clock skew during claim validation.
	// Default: 30s
	JWTLeeway time.Duration `yaml:"jwt_leeway,omitempty"`

	// RateLimit is requests per second per caller; zero disables limiting.
	// Default: 20
	RateLimit float64 `yaml:"rate_limit,omitempty"`

	// RateBurst is the per-caller burst size.
	// Default: 40
	RateBurst int `yaml:"rate_burst,omitempty"`
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	// Type is "memory" or "sqlite".
	// Environment: FAIR_BACKEND
	// Default: sqlite
	Type string `yaml:"type,omitempty"`

	// Path is the sqlite database file. Empty means DataDir/fair.db.
	// Environment: FAIR_DB_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging.
	// Default: true
	WAL bool `yaml:"wal"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	// Enabled turns the OTel providers on.
	// Environment: FAIR_TELEMETRY_ENABLED
	Enabled bool `yaml:"enabled"`

	// ServiceName and ServiceVersion label the OTel resource.
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`

	// TraceExporter is "stdout", "otlp_http", "otlp_grpc" or "none".
	// Default: none
	TraceExporter string `yaml:"trace_exporter,omitempty"`

	// OTLPEndpoint is the collector endpoint for the otlp exporters.
	// Environment: FAIR_OTLP_ENDPOINT
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// OTLPInsecure disables TLS on the gRPC exporter.
	OTLPInsecure bool `yaml:"otlp_insecure,omitempty"`

	// SampleRate is the head sampling ratio in [0, 1].
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Parallelism:       10,
			PluginCallTimeout: 0,
			LogBufferSize:     500,
			SessionEvictGrace: 30 * time.Second,
			LogPersistence:    LogBestEffort,
		},
		Daemon: DaemonConfig{
			TCPAddr:         "127.0.0.1:7600",
			DataDir:         defaultDataDir(),
			ShutdownTimeout: 30 * time.Second,
			DrainTimeout:    30 * time.Second,
			Auth: AuthConfig{
				Enabled:   true,
				JWTLeeway: 30 * time.Second,
				RateLimit: 20,
				RateBurst: 40,
			},
			Backend: BackendConfig{
				Type: BackendSQLite,
				WAL:  true,
			},
			Telemetry: TelemetryConfig{
				ServiceName:    "fair",
				ServiceVersion: "unknown",
				TraceExporter:  "none",
				SampleRate:     1.0,
			},
		},
	}
}

// Load builds the configuration from the default values, an optional YAML
// file and the environment, then validates it.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero values with defaults so minimal YAML files work
// without naming every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Engine.Parallelism == 0 {
		c.Engine.Parallelism = defaults.Engine.Parallelism
	}
	if c.Engine.LogBufferSize == 0 {
		c.Engine.LogBufferSize = defaults.Engine.LogBufferSize
	}
	if c.Engine.SessionEvictGrace == 0 {
		c.Engine.SessionEvictGrace = defaults.Engine.SessionEvictGrace
	}
	if c.Engine.LogPersistence == "" {
		c.Engine.LogPersistence = defaults.Engine.LogPersistence
	}

	if c.Daemon.TCPAddr == "" {
		c.Daemon.TCPAddr = defaults.Daemon.TCPAddr
	}
	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = defaults.Daemon.DataDir
	}
	if c.Daemon.ShutdownTimeout == 0 {
		c.Daemon.ShutdownTimeout = defaults.Daemon.ShutdownTimeout
	}
	if c.Daemon.DrainTimeout == 0 {
		c.Daemon.DrainTimeout = defaults.Daemon.DrainTimeout
	}
	if c.Daemon.Auth.JWTLeeway == 0 {
		c.Daemon.Auth.JWTLeeway = defaults.Daemon.Auth.JWTLeeway
	}
	if c.Daemon.Auth.RateLimit == 0 {
		c.Daemon.Auth.RateLimit = defaults.Daemon.Auth.RateLimit
	}
	if c.Daemon.Auth.RateBurst == 0 {
		c.Daemon.Auth.RateBurst = defaults.Daemon.Auth.RateBurst
	}
	if c.Daemon.Backend.Type == "" {
		c.Daemon.Backend.Type = defaults.Daemon.Backend.Type
	}
	if c.Daemon.Telemetry.ServiceName == "" {
		c.Daemon.Telemetry.ServiceName = defaults.Daemon.Telemetry.ServiceName
	}
	if c.Daemon.Telemetry.ServiceVersion == "" {
		c.Daemon.Telemetry.ServiceVersion = defaults.Daemon.Telemetry.ServiceVersion
	}
	if c.Daemon.Telemetry.TraceExporter == "" {
		c.Daemon.Telemetry.TraceExporter = defaults.Daemon.Telemetry.TraceExporter
	}
	if c.Daemon.Telemetry.SampleRate == 0 {
		c.Daemon.Telemetry.SampleRate = defaults.Daemon.Telemetry.SampleRate
	}
}

// loadFromFile merges a YAML file into the config.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides. Values that fail to parse are
// skipped silently; the layered value stands.
func (c *Config) loadFromEnv() {
	// Engine knobs (unprefixed, platform-canonical names).
	if val := os.Getenv("PARALLELISM"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.Parallelism = n
		}
	}
	if val := os.Getenv("PLUGIN_CALL_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Engine.PluginCallTimeout = d
		}
	}
	if val := os.Getenv("LOG_BUFFER_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.LogBufferSize = n
		}
	}
	if val := os.Getenv("SESSION_EVICT_GRACE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Engine.SessionEvictGrace = d
		}
	}
	if val := os.Getenv("LOG_PERSISTENCE"); val != "" {
		c.Engine.LogPersistence = strings.ToLower(val)
	}

	// Daemon knobs.
	if val := os.Getenv("FAIR_TCP_ADDR"); val != "" {
		c.Daemon.TCPAddr = val
	}
	if val := os.Getenv("FAIR_DATA_DIR"); val != "" {
		c.Daemon.DataDir = val
	}
	if val := os.Getenv("FAIR_WORKFLOWS_DIR"); val != "" {
		c.Daemon.WorkflowsDir = val
	}
	if val := os.Getenv("FAIR_INBOX_DIR"); val != "" {
		c.Daemon.InboxDir = val
	}
	if val := os.Getenv("FAIR_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemon.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("FAIR_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemon.DrainTimeout = d
		}
	}

	// Auth.
	if val := os.Getenv("FAIR_API_TOKEN"); val != "" {
		c.Daemon.Auth.Token = val
	}
	if val := os.Getenv("FAIR_TOKEN_FILE"); val != "" {
		c.Daemon.Auth.TokenFile = val
	}
	if val := os.Getenv("FAIR_JWT_SECRET"); val != "" {
		c.Daemon.Auth.JWTSecret = val
	}
	if val := os.Getenv("FAIR_JWT_PUBLIC_KEY_FILE"); val != "" {
		c.Daemon.Auth.JWTPublicKeyFile = val
	}
	if val := os.Getenv("FAIR_AUTH_DISABLED"); val != "" {
		if disabled, err := strconv.ParseBool(val); err == nil {
			c.Daemon.Auth.Enabled = !disabled
		}
	}

	// Backend.
	if val := os.Getenv("FAIR_BACKEND"); val != "" {
		c.Daemon.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("FAIR_DB_PATH"); val != "" {
		c.Daemon.Backend.Path = val
	}

	// Telemetry.
	if val := os.Getenv("FAIR_TELEMETRY_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Daemon.Telemetry.Enabled = enabled
		}
	}
	if val := os.Getenv("FAIR_OTLP_ENDPOINT"); val != "" {
		c.Daemon.Telemetry.OTLPEndpoint = val
	}
}

// Validate checks the assembled configuration. Failures are ConfigErrors
// naming the offending key.
func (c *Config) Validate() error {
	if c.Engine.Parallelism < 1 {
		return &errors.ConfigError{
			Key:    "engine.parallelism",
			Reason: fmt.Sprintf("must be at least 1, got %d", c.Engine.Parallelism),
		}
	}
	if c.Engine.PluginCallTimeout < 0 {
		return &errors.ConfigError{
			Key:    "engine.plugin_call_timeout",
			Reason: "must not be negative",
		}
	}
	if c.Engine.LogBufferSize < 1 {
		return &errors.ConfigError{
			Key:    "engine.log_buffer_size",
			Reason: fmt.Sprintf("must be at least 1, got %d", c.Engine.LogBufferSize),
		}
	}
	if c.Engine.SessionEvictGrace < 0 {
		return &errors.ConfigError{
			Key:    "engine.session_evict_grace",
			Reason: "must not be negative",
		}
	}

	switch c.Engine.LogPersistence {
	case LogBestEffort, LogStrict:
	default:
		return &errors.ConfigError{
			Key:    "engine.log_persistence",
			Reason: fmt.Sprintf("must be %q or %q, got %q", LogBestEffort, LogStrict, c.Engine.LogPersistence),
		}
	}

	switch c.Daemon.Backend.Type {
	case BackendMemory, BackendSQLite:
	default:
		return &errors.ConfigError{
			Key:    "daemon.backend.type",
			Reason: fmt.Sprintf("must be %q or %q, got %q", BackendMemory, BackendSQLite, c.Daemon.Backend.Type),
		}
	}

	switch c.Daemon.Telemetry.TraceExporter {
	case TraceExporterNone, TraceExporterStdout, TraceExporterOTLPHTTP, TraceExporterOTLPGRPC:
	default:
		return &errors.ConfigError{
			Key:    "daemon.telemetry.trace_exporter",
			Reason: fmt.Sprintf("unknown exporter %q", c.Daemon.Telemetry.TraceExporter),
		}
	}
	if rate := c.Daemon.Telemetry.SampleRate; rate < 0 || rate > 1 {
		return &errors.ConfigError{
			Key:    "daemon.telemetry.sample_rate",
			Reason: fmt.Sprintf("must be in [0, 1], got %v", rate),
		}
	}

	if c.Daemon.Auth.RateLimit < 0 {
		return &errors.ConfigError{
			Key:    "daemon.auth.rate_limit",
			Reason: "must not be negative",
		}
	}

	return nil
}

// SQLitePath resolves the database file path, defaulting into DataDir.
func (c *Config) SQLitePath() string {
	if c.Daemon.Backend.Path != "" {
		return c.Daemon.Backend.Path
	}
	return filepath.Join(c.Daemon.DataDir, "fair.db")
}

// defaultDataDir is ~/.fair, or a relative fallback when the home
// directory cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fair"
	}
	return filepath.Join(home, ".fair")
}
