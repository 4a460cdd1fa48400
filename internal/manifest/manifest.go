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

// Package manifest loads workflow definitions from YAML files.
//
// Workflows live as files in the workflows directory so instructors can
// version them in git and edit them with schema-aware editors. The loader
// validates every definition against the plugin registry before it reaches
// storage: a workflow that names an unknown plugin or carries settings its
// plugin rejects never becomes runnable.
package manifest

import (
	"bytes"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/azapg/FAIR/internal/backend"
	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/pkg/errors"
	"github.com/azapg/FAIR/sdk"
)

// idPattern matches the workflow ids the intake watcher can use as folder
// names.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Definition is one workflow definition file.
type Definition struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Course      string `yaml:"course,omitempty" json:"course,omitempty"`
	CreatedBy   string `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Transcriber *backend.PluginConfig  `yaml:"transcriber,omitempty" json:"transcriber,omitempty"`
	Grader      *backend.PluginConfig  `yaml:"grader,omitempty" json:"grader,omitempty"`
	Validators  []backend.PluginConfig `yaml:"validators,omitempty" json:"validators,omitempty"`
}

// Parse decodes a definition, rejecting unknown keys so typos surface as
// errors instead of silently ignored settings.
func Parse(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, &errors.ValidationError{
			Field:   "definition",
			Message: fmt.Sprintf("invalid workflow YAML: %v", err),
		}
	}
	return &def, nil
}

// Validate checks the definition's shape and resolves every plugin slot
// against reg, binding settings against the plugin's declared schema.
func (d *Definition) Validate(reg *registry.Registry) error {
	if d.ID == "" {
		return &errors.ValidationError{
			Field:   "id",
			Message: "workflow id is required",
		}
	}
	if !idPattern.MatchString(d.ID) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid workflow id %q", d.ID),
			Suggestion: "use lowercase letters, digits, hyphens and underscores",
		}
	}
	if d.Name == "" {
		d.Name = d.ID
	}

	if d.Transcriber != nil {
		if err := validateSlot(reg, "transcriber", *d.Transcriber, sdk.KindTranscription); err != nil {
			return err
		}
	}
	if d.Grader != nil {
		if err := validateSlot(reg, "grader", *d.Grader, sdk.KindGrade); err != nil {
			return err
		}
	}
	for i, v := range d.Validators {
		if err := validateSlot(reg, fmt.Sprintf("validators[%d]", i), v, sdk.KindValidation); err != nil {
			return err
		}
	}
	return nil
}

// Workflow converts the definition into its storage form.
func (d *Definition) Workflow() *backend.Workflow {
	return &backend.Workflow{
		ID:          d.ID,
		Name:        d.Name,
		Course:      d.Course,
		CreatedBy:   d.CreatedBy,
		Description: d.Description,
		Transcriber: d.Transcriber,
		Grader:      d.Grader,
		Validators:  d.Validators,
	}
}

func validateSlot(reg *registry.Registry, slot string, cfg backend.PluginConfig, want sdk.Kind) error {
	if cfg.Plugin == "" {
		return &errors.ValidationError{
			Field:   slot,
			Message: "plugin id is required",
		}
	}

	m, err := reg.Resolve(cfg.Plugin)
	if err != nil {
		return &errors.ValidationError{
			Field:      slot,
			Message:    fmt.Sprintf("unknown plugin %q", cfg.Plugin),
			Suggestion: "check `fair plugins list` for registered plugin ids",
		}
	}
	if m.Kind != want {
		return &errors.ValidationError{
			Field:   slot,
			Message: fmt.Sprintf("plugin %s is a %s plugin, slot needs %s", cfg.Plugin, m.Kind, want),
		}
	}

	if _, err := sdk.BindSettings(m.Settings, cfg.Settings); err != nil {
		return fmt.Errorf("%s settings for %s: %w", slot, cfg.Plugin, err)
	}
	return nil
}
