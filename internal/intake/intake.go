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

// Package intake ingests submissions from a drop folder.
//
// The inbox is laid out as one subdirectory per workflow id. A file dropped
// into FAIR_INBOX_DIR/<workflow-id>/ becomes a submission on that workflow
// once it has stopped changing for the quiet window. Files are referenced
// in place; intake records the path, it does not copy content.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/azapg/FAIR/internal/backend"
)

const (
	defaultQuiet = 2 * time.Second
	defaultRate  = rate.Limit(5)
	defaultBurst = 10
)

// Store is the storage surface intake needs.
type Store interface {
	backend.WorkflowStore
	backend.SubmissionStore
}

// Config parameterizes the intake service.
type Config struct {
	// Dir is the inbox root. Empty disables intake.
	Dir string

	// Patterns are doublestar globs a file must match, relative to its
	// workflow directory. Empty means every file.
	Patterns []string

	// Quiet is how long a file must stay unchanged before ingestion.
	Quiet time.Duration

	// Rate and Burst bound ingestion throughput.
	Rate  rate.Limit
	Burst int
}

// Service watches the inbox and registers settled files as submissions.
type Service struct {
	cfg     Config
	store   Store
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	timers map[string]*time.Timer
	seen   map[string]time.Time
}

// New creates an intake service.
func New(cfg Config, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Quiet <= 0 {
		cfg.Quiet = defaultQuiet
	}
	if cfg.Rate <= 0 {
		cfg.Rate = defaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "intake"),
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		timers:  make(map[string]*time.Timer),
		seen:    make(map[string]time.Time),
	}
}

// Run watches the inbox until ctx is cancelled. Files already present at
// start are swept first so a daemon restart does not strand submissions.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Dir == "" {
		s.logger.Info("intake disabled, no inbox directory configured")
		<-ctx.Done()
		return ctx.Err()
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch inbox: %w", err)
	}
	if err := s.sweep(ctx, watcher); err != nil {
		return err
	}
	s.logger.Info("intake watching inbox", "dir", s.cfg.Dir)

	for {
		select {
		case <-ctx.Done():
			s.drainTimers()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

// sweep registers watches for existing workflow directories and schedules
// any files already sitting in them.
func (s *Service) sweep(ctx context.Context, watcher *fsnotify.Watcher) error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.cfg.Dir, entry.Name())
		if err := watcher.Add(dir); err != nil {
			s.logger.Warn("failed to watch workflow inbox", "dir", dir, "error", err)
			continue
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if !f.IsDir() {
				s.schedule(ctx, filepath.Join(dir, f.Name()))
			}
		}
	}
	return nil
}

func (s *Service) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	// A new directory directly under the inbox is a workflow drop folder.
	if info.IsDir() {
		if filepath.Dir(event.Name) == filepath.Clean(s.cfg.Dir) {
			if err := watcher.Add(event.Name); err != nil {
				s.logger.Warn("failed to watch workflow inbox", "dir", event.Name, "error", err)
			}
		}
		return
	}

	// Files directly under the root have no workflow to land on.
	if filepath.Dir(event.Name) == filepath.Clean(s.cfg.Dir) {
		return
	}
	s.schedule(ctx, event.Name)
}

// schedule (re)arms the settle timer for path. Ingestion happens once the
// file has been quiet for the configured window.
func (s *Service) schedule(ctx context.Context, path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[path]; ok {
		timer.Stop()
	}
	s.timers[path] = time.AfterFunc(s.cfg.Quiet, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := s.ingest(ctx, path); err != nil {
			s.logger.Warn("failed to ingest file", "path", path, "error", err)
		}
	})
}

// ingest turns one settled file into a submission.
func (s *Service) ingest(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.seen[path]; ok && !info.ModTime().After(prev) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	workflowID := filepath.Base(filepath.Dir(path))
	rel, err := filepath.Rel(filepath.Join(s.cfg.Dir, workflowID), path)
	if err != nil {
		rel = filepath.Base(path)
	}
	if !s.matches(rel) {
		s.logger.Debug("file outside intake patterns", "path", path)
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("no workflow for inbox folder %q: %w", workflowID, err)
	}

	sub := &backend.Submission{
		ID:         uuid.NewString(),
		WorkflowID: workflow.ID,
		Submitter: backend.Submitter{
			ID:        "intake",
			Name:      "Drop folder",
			Synthetic: true,
		},
		Assignment: backend.Assignment{
			ID:    workflow.ID,
			Title: workflow.Name,
		},
		Attachments: []backend.Attachment{{
			Title: filepath.Base(path),
			MIME:  mimeType(path),
			Path:  path,
			Kind:  "local",
		}},
		SubmittedAt: info.ModTime().UTC(),
		Status:      backend.SubmissionPending,
	}
	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}

	s.mu.Lock()
	s.seen[path] = info.ModTime()
	s.mu.Unlock()

	s.logger.Info("submission ingested",
		"submission_id", sub.ID,
		"workflow_id", workflow.ID,
		"file", filepath.Base(path))
	return nil
}

func (s *Service) matches(rel string) bool {
	if len(s.cfg.Patterns) == 0 {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range s.cfg.Patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Service) drainTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, timer := range s.timers {
		timer.Stop()
		delete(s.timers, path)
	}
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
