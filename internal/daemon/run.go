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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/azapg/FAIR/internal/config"
	"github.com/azapg/FAIR/internal/log"
)

// RunOptions configures daemon execution from the command line.
type RunOptions struct {
	Version    string
	ConfigPath string

	// Config overrides.
	TCPAddr      string
	BackendType  string
	DBPath       string
	WorkflowsDir string
	InboxDir     string
}

// Run starts the daemon and blocks until a shutdown signal or a fatal
// component error.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.TCPAddr != "" {
		cfg.Daemon.TCPAddr = opts.TCPAddr
	}
	if opts.BackendType != "" {
		cfg.Daemon.Backend.Type = opts.BackendType
	}
	if opts.DBPath != "" {
		cfg.Daemon.Backend.Path = opts.DBPath
	}
	if opts.WorkflowsDir != "" {
		cfg.Daemon.WorkflowsDir = opts.WorkflowsDir
	}
	if opts.InboxDir != "" {
		cfg.Daemon.InboxDir = opts.InboxDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := New(ctx, cfg, Options{Version: opts.Version}, logger)
	if err != nil {
		logger.Error("failed to create daemon", slog.Any("error", err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon error", slog.Any("error", err))
		return err
	}
	return nil
}
