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

package sdk

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/azapg/FAIR/pkg/errors"
)

// Field is one declared setting of a plugin: a name, a label for UIs, and
// the validation rules binding applies to user-supplied values.
type Field interface {
	// FieldName is the settings key.
	FieldName() string

	// FieldKind is the schema discriminator: "text", "number" or "switch".
	FieldKind() string

	// IsRequired reports whether binding fails when the key is absent.
	IsRequired() bool

	// DefaultValue returns the value used when the key is absent, and
	// whether one is declared.
	DefaultValue() (any, bool)

	// Validate coerces and checks a user-supplied value. The returned
	// value is what binding stores.
	Validate(value any) (any, error)
}

// TextField is a string setting with optional length and pattern
// constraints.
type TextField struct {
	Name      string `json:"name"`
	Label     string `json:"label,omitempty"`
	Required  bool   `json:"required,omitempty"`
	Default   string `json:"default,omitempty"`
	MinLength int    `json:"min_length,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`

	// Pattern is an RE2 expression the whole value must match.
	Pattern string `json:"pattern,omitempty"`
}

func (f TextField) FieldName() string { return f.Name }
func (f TextField) FieldKind() string { return "text" }
func (f TextField) IsRequired() bool  { return f.Required }

func (f TextField) DefaultValue() (any, bool) {
	if f.Default == "" {
		return nil, false
	}
	return f.Default, true
}

// Validate checks that value is a string within the declared constraints.
func (f TextField) Validate(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   f.Name,
			Message: fmt.Sprintf("expected text, got %T", value),
		}
	}
	if f.MinLength > 0 && len(s) < f.MinLength {
		return nil, &errors.ValidationError{
			Field:   f.Name,
			Message: fmt.Sprintf("must be at least %d characters", f.MinLength),
		}
	}
	if f.MaxLength > 0 && len(s) > f.MaxLength {
		return nil, &errors.ValidationError{
			Field:   f.Name,
			Message: fmt.Sprintf("must be at most %d characters", f.MaxLength),
		}
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   f.Name,
				Message: fmt.Sprintf("invalid pattern %q: %v", f.Pattern, err),
			}
		}
		if !re.MatchString(s) {
			return nil, &errors.ValidationError{
				Field:      f.Name,
				Message:    fmt.Sprintf("does not match pattern %q", f.Pattern),
				Suggestion: "check the plugin documentation for the expected format",
			}
		}
	}
	return s, nil
}

// MarshalJSON adds the kind discriminator to the schema representation.
func (f TextField) MarshalJSON() ([]byte, error) {
	type alias TextField
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: f.FieldKind(), alias: alias(f)})
}

// NumberField is a numeric setting with optional inclusive bounds.
type NumberField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label,omitempty"`
	Required bool     `json:"required,omitempty"`
	Default  *float64 `json:"default,omitempty"`

	// Ge and Le are inclusive lower and upper bounds.
	Ge *float64 `json:"ge,omitempty"`
	Le *float64 `json:"le,omitempty"`
}

func (f NumberField) FieldName() string { return f.Name }
func (f NumberField) FieldKind() string { return "number" }
func (f NumberField) IsRequired() bool  { return f.Required }

func (f NumberField) DefaultValue() (any, bool) {
	if f.Default == nil {
		return nil, false
	}
	return *f.Default, true
}

// Validate coerces value to float64 and range-checks it. JSON and YAML
// decoders hand numbers over as float64, int or json.Number depending on
// the source, so all three are accepted.
func (f NumberField) Validate(value any) (any, error) {
	n, ok := coerceNumber(value)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   f.Name,
			Message: fmt.Sprintf("expected number, got %T", value),
		}
	}
	if f.Ge != nil && n < *f.Ge {
		return nil, &errors.ValidationError{
			Field:   f.Name,
			Message: fmt.Sprintf("must be >= %v", *f.Ge),
		}
	}
	if f.Le != nil && n > *f.Le {
		return nil, &errors.ValidationError{
			Field:   f.Name,
			Message: fmt.Sprintf("must be <= %v", *f.Le),
		}
	}
	return n, nil
}

// MarshalJSON adds the kind discriminator to the schema representation.
func (f NumberField) MarshalJSON() ([]byte, error) {
	type alias NumberField
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: f.FieldKind(), alias: alias(f)})
}

// SwitchField is a boolean setting.
type SwitchField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

func (f SwitchField) FieldName() string { return f.Name }
func (f SwitchField) FieldKind() string { return "switch" }
func (f SwitchField) IsRequired() bool  { return f.Required }

func (f SwitchField) DefaultValue() (any, bool) { return f.Default, true }

// Validate checks that value is a bool.
func (f SwitchField) Validate(value any) (any, error) {
	b, ok := value.(bool)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   f.Name,
			Message: fmt.Sprintf("expected true or false, got %T", value),
		}
	}
	return b, nil
}

// MarshalJSON adds the kind discriminator to the schema representation.
func (f SwitchField) MarshalJSON() ([]byte, error) {
	type alias SwitchField
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{Kind: f.FieldKind(), alias: alias(f)})
}

func coerceNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Settings holds bound, validated plugin settings. Plugins read values
// through the typed accessors; a missing key yields the zero value.
type Settings map[string]any

// Has reports whether a key was bound (explicitly or via default).
func (s Settings) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Text returns the string value of name, or "".
func (s Settings) Text(name string) string {
	v, _ := s[name].(string)
	return v
}

// Number returns the numeric value of name, or 0.
func (s Settings) Number(name string) float64 {
	v, _ := s[name].(float64)
	return v
}

// Switch returns the boolean value of name, or false.
func (s Settings) Switch(name string) bool {
	v, _ := s[name].(bool)
	return v
}

// BindSettings validates values against the declared fields and returns
// the bound settings. Unknown keys are rejected, missing required fields
// are reported, absent optional fields take their declared defaults, and
// every present value is coerced and constraint-checked by its field.
func BindSettings(fields []Field, values map[string]any) (Settings, error) {
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		byName[f.FieldName()] = f
	}

	for key := range values {
		if _, ok := byName[key]; !ok {
			return nil, &errors.ValidationError{
				Field:      key,
				Message:    "unknown setting",
				Suggestion: "remove the key or check the plugin's settings schema",
			}
		}
	}

	bound := make(Settings, len(fields))
	for _, f := range fields {
		value, present := values[f.FieldName()]
		if !present {
			if f.IsRequired() {
				return nil, &errors.ValidationError{
					Field:   f.FieldName(),
					Message: "required setting is missing",
				}
			}
			if def, ok := f.DefaultValue(); ok {
				bound[f.FieldName()] = def
			}
			continue
		}

		coerced, err := f.Validate(value)
		if err != nil {
			return nil, err
		}
		bound[f.FieldName()] = coerced
	}

	return bound, nil
}
