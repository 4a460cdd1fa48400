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

package plugins

import (
	"fmt"

	"github.com/azapg/FAIR/internal/registry"
	"github.com/azapg/FAIR/sdk"
)

// RegisterBuiltins registers the built-in plugins with reg. The daemon
// calls this once at boot, before workflow manifests are validated.
func RegisterBuiltins(reg *registry.Registry) error {
	builtins := []struct {
		manifest sdk.Manifest
		factory  registry.Factory
	}{
		{PlaintextManifest(), func() sdk.Plugin { return &Plaintext{} }},
		{KeywordManifest(), func() sdk.Plugin { return &Keyword{} }},
		{ExprcheckManifest(), func() sdk.Plugin { return &Exprcheck{} }},
		{JqcheckManifest(), func() sdk.Plugin { return &Jqcheck{} }},
	}
	for _, b := range builtins {
		if err := reg.Register(b.manifest, b.factory); err != nil {
			return fmt.Errorf("failed to register %s: %w", b.manifest.ID, err)
		}
	}
	return nil
}
