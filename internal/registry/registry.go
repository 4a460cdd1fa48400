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

// Package registry resolves plugin ids to manifests and constructors.
//
// The session runner treats plugin ids as opaque keys: a workflow names a
// plugin by id, the registry produces a configured instance or a typed
// error the runner can report. Settings validation happens here, before
// the instance sees any submission.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/azapg/FAIR/pkg/errors"
	"github.com/azapg/FAIR/sdk"
)

// Factory constructs a fresh, unconfigured plugin instance. The runner
// requests one instance per stage; factories must not share mutable state
// between the instances they return.
type Factory func() sdk.Plugin

type entry struct {
	manifest sdk.Manifest
	factory  Factory
}

// Registry maps plugin ids to manifests and factories. Safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{plugins: make(map[string]entry)}
}

// Register adds a plugin under its manifest id. Duplicate ids, empty ids
// and unknown kinds are rejected.
func (r *Registry) Register(manifest sdk.Manifest, factory Factory) error {
	if manifest.ID == "" {
		return &errors.ValidationError{
			Field:   "id",
			Message: "plugin id must not be empty",
		}
	}
	switch manifest.Kind {
	case sdk.KindTranscription, sdk.KindGrade, sdk.KindValidation:
	default:
		return &errors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown plugin kind %q", manifest.Kind),
		}
	}
	if factory == nil {
		return &errors.ValidationError{
			Field:   "factory",
			Message: "plugin factory must not be nil",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[manifest.ID]; exists {
		return &errors.ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("plugin already registered: %s", manifest.ID),
		}
	}
	r.plugins[manifest.ID] = entry{manifest: manifest, factory: factory}
	return nil
}

// Resolve returns the manifest registered under id.
func (r *Registry) Resolve(id string) (sdk.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.plugins[id]
	if !ok {
		return sdk.Manifest{}, &errors.NotFoundError{Resource: "plugin", ID: id}
	}
	return e.manifest, nil
}

// Manifests returns all registered manifests, sorted by id.
func (r *Registry) Manifests() []sdk.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]sdk.Manifest, 0, len(r.plugins))
	for _, e := range r.plugins {
		out = append(out, e.manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instantiate resolves id, constructs an instance, binds values against
// the manifest's settings schema and configures the instance with the
// bound settings and logger. Every failure mode maps to a typed error:
// unknown id to NotFoundError, bad settings to ValidationError,
// constructor or Configure failures to PluginError.
func (r *Registry) Instantiate(id string, values map[string]any, logger sdk.Logger) (sdk.Plugin, error) {
	r.mu.RLock()
	e, ok := r.plugins[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "plugin", ID: id}
	}

	instance, err := construct(id, e.factory)
	if err != nil {
		return nil, err
	}

	bound, err := sdk.BindSettings(e.manifest.Settings, values)
	if err != nil {
		return nil, err
	}

	if err := instance.Configure(bound, logger); err != nil {
		return nil, &errors.PluginError{
			Plugin: id,
			Op:     "configure",
			Cause:  err,
		}
	}
	return instance, nil
}

// construct runs the factory with panic isolation; a panicking constructor
// becomes an init-phase PluginError instead of taking the session down.
func construct(id string, factory Factory) (instance sdk.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.PluginError{
				Plugin:  id,
				Op:      "init",
				Message: fmt.Sprintf("constructor panicked: %v", r),
			}
		}
	}()

	instance = factory()
	if instance == nil {
		return nil, &errors.PluginError{
			Plugin:  id,
			Op:      "init",
			Message: "factory returned nil",
		}
	}
	return instance, nil
}
