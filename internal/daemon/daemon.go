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

// Package daemon assembles the FAIR grading engine into a long-running
// process: storage, plugin registry, workflow manifests, drop-folder
// intake, telemetry, session manager and the HTTP API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/backend/memory"
	"github.com/azapg/FAIR/internal/backend/sqlite"
	"github.com/azapg/FAIR/internal/config"
	"github.com/azapg/FAIR/internal/daemon/api"
	"github.com/azapg/FAIR/internal/daemon/auth"
	"github.com/azapg/FAIR/internal/intake"
	"github.com/azapg/FAIR/internal/manifest"
	"github.com/azapg/FAIR/internal/plugins"
	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/internal/session"
	"github.com/azapg/FAIR/internal/telemetry"
)

// Options carries build metadata into the daemon.
type Options struct {
	Version string
}

// Daemon owns every engine component and supervises their goroutines.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend   backend.Backend
	reg       *registry.Registry
	manager   *session.Manager
	loader    *manifest.Loader
	intake    *intake.Service
	telemetry *telemetry.Provider
	server    *http.Server

	mu      sync.Mutex
	started bool
	addr    string
}

// Addr reports the bound listen address once Start has opened the
// listener. Useful when the configured address uses port 0.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// New builds the daemon from configuration. Everything that can fail at
// boot fails here: backend open, credential loading, telemetry setup.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{cfg: cfg, opts: opts, logger: logger}

	b, err := openBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	d.backend = b

	d.reg = registry.New()
	if err := plugins.RegisterBuiltins(d.reg); err != nil {
		b.Close()
		return nil, err
	}

	provider, err := telemetry.New(ctx, cfg.Daemon.Telemetry, opts.Version)
	if err != nil {
		b.Close()
		return nil, err
	}
	d.telemetry = provider

	d.manager = session.NewManager(b, d.reg, cfg.Engine, logger,
		session.WithMetrics(provider.Metrics()),
		session.WithTracer(provider.Tracer("fair/session")),
	)

	if cfg.Daemon.WorkflowsDir != "" {
		d.loader = manifest.NewLoader(cfg.Daemon.WorkflowsDir, d.reg, b, logger)
	}

	if cfg.Daemon.InboxDir != "" {
		d.intake = intake.New(intake.Config{
			Dir:      cfg.Daemon.InboxDir,
			Patterns: cfg.Daemon.InboxPatterns,
		}, b, logger)
	}

	return d, nil
}

// openBackend creates the configured storage backend.
func openBackend(cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Daemon.Backend.Type {
	case config.BackendMemory:
		logger.Warn("using in-memory backend; all data is lost on shutdown")
		return memory.New(), nil
	case config.BackendSQLite:
		path := cfg.SQLitePath()
		if err := os.MkdirAll(cfg.Daemon.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		b, err := sqlite.New(sqlite.Config{Path: path, WAL: cfg.Daemon.Backend.WAL})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		logger.Info("sqlite backend ready", "path", path)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Daemon.Backend.Type)
	}
}

// Start runs the daemon until ctx is cancelled, then shuts down
// gracefully. It returns once every component has stopped.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	// Runs interrupted by a previous process cannot resume; fail them
	// before accepting new work.
	if err := d.manager.SweepStaleRuns(ctx); err != nil {
		return fmt.Errorf("failed to sweep stale runs: %w", err)
	}

	if d.loader != nil {
		n, err := d.loader.Sync(ctx)
		if err != nil {
			return fmt.Errorf("failed to sync workflow manifests: %w", err)
		}
		d.logger.Info("workflow manifests synced", "count", n)
	}

	router := api.NewRouter(api.RouterConfig{
		Version: d.opts.Version,
		Logger:  d.logger,
	})

	authMW, err := auth.NewMiddleware(d.cfg.Daemon.Auth, d.logger)
	if err != nil {
		return err
	}
	router.SetAuthMiddleware(authMW)
	router.SetMetricsHandler(d.telemetry.MetricsHandler())

	api.NewSessionsHandler(d.manager, d.backend, d.logger).RegisterRoutes(router)
	api.NewWorkflowsHandler(d.backend, d.reg, d.logger).RegisterRoutes(router)
	api.NewPluginsHandler(d.reg).RegisterRoutes(router)

	d.server = &http.Server{
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout stays unset; SSE and websocket connections are
		// long-lived.
		IdleTimeout: 60 * time.Second,
	}

	ln, err := net.Listen("tcp", d.cfg.Daemon.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Daemon.TCPAddr, err)
	}
	d.mu.Lock()
	d.addr = ln.Addr().String()
	d.mu.Unlock()

	d.logger.Info("faird starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", d.addr))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if d.loader != nil {
		g.Go(func() error {
			if err := d.loader.Watch(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("manifest watcher: %w", err)
			}
			return nil
		})
	}

	if d.intake != nil {
		g.Go(func() error {
			if err := d.intake.Run(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("intake watcher: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		d.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown winds the daemon down: drain sessions, stop the HTTP server,
// flush telemetry, close storage.
func (d *Daemon) shutdown() {
	d.logger.Info("faird shutting down")

	d.manager.StartDraining()

	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Daemon.DrainTimeout)
	if err := d.manager.Stop(drainCtx); err != nil {
		d.logger.Warn("session drain incomplete", "error", err)
	}
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Daemon.ShutdownTimeout)
	defer cancel()

	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http server shutdown error", "error", err)
		}
	}

	if err := d.telemetry.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("telemetry shutdown error", "error", err)
	}

	if err := d.backend.Close(); err != nil {
		d.logger.Warn("backend close error", "error", err)
	}

	d.logger.Info("faird stopped")
}
