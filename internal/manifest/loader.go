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

package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/registry"
)

// debounceWindow is how long a definition file must stay quiet before a
// change is applied. Editors save in bursts.
const debounceWindow = 500 * time.Millisecond

// Loader syncs workflow definition files into the workflow store.
type Loader struct {
	dir    string
	reg    *registry.Registry
	store  backend.WorkflowStore
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, reg *registry.Registry, store backend.WorkflowStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		reg:    reg,
		store:  store,
		logger: logger.With("component", "manifest"),
		timers: make(map[string]*time.Timer),
	}
}

// Sync loads every definition file in the directory, creating the directory
// if needed. Invalid files are logged and skipped so one broken definition
// cannot take the daemon down. Returns the number of workflows loaded.
func (l *Loader) Sync(ctx context.Context) (int, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create workflows directory: %w", err)
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && isDefinitionFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		if err := l.LoadFile(ctx, path); err != nil {
			l.logger.Warn("skipping workflow definition", "file", name, "error", err)
			continue
		}
		loaded++
	}

	l.logger.Info("workflow definitions synced", "dir", l.dir, "loaded", loaded)
	return loaded, nil
}

// LoadFile parses, validates and stores one definition file.
func (l *Loader) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}
	if err := def.Validate(l.reg); err != nil {
		return err
	}

	if err := l.store.PutWorkflow(ctx, def.Workflow()); err != nil {
		return fmt.Errorf("failed to store workflow %s: %w", def.ID, err)
	}

	l.logger.Info("workflow loaded", "workflow_id", def.ID, "file", filepath.Base(path))
	return nil
}

// Watch reloads definitions as their files change, until ctx is cancelled.
// Per-file debouncing absorbs editor save bursts; deletions are logged but
// the stored workflow stays, since runs may still reference it.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch workflows directory: %w", err)
	}
	l.logger.Info("watching workflow definitions", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			l.drainTimers()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(filepath.Base(event.Name)) {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
				l.debounce(ctx, event.Name)
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				l.logger.Info("workflow definition removed, keeping stored workflow",
					"file", filepath.Base(event.Name))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("workflow watcher error", "error", err)
		}
	}
}

// debounce (re)arms the per-file timer; the reload runs once the file has
// been quiet for the window.
func (l *Loader) debounce(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if timer, ok := l.timers[path]; ok {
		timer.Stop()
	}
	l.timers[path] = time.AfterFunc(debounceWindow, func() {
		l.mu.Lock()
		delete(l.timers, path)
		l.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := l.LoadFile(ctx, path); err != nil {
			l.logger.Warn("failed to reload workflow definition",
				"file", filepath.Base(path), "error", err)
		}
	})
}

func (l *Loader) drainTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, timer := range l.timers {
		timer.Stop()
		delete(l.timers, path)
	}
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
