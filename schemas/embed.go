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

// Package schemas provides access to embedded JSON schemas.
package schemas

import (
	_ "embed"
)

// The workflow schema describes the YAML workflow definitions loaded from
// the workflows directory. Embedding it lets the API export it and editors
// validate definitions without shipping a separate file.
//
//go:embed workflow.schema.json
var workflowSchema []byte

// GetWorkflowSchema returns the embedded workflow JSON Schema as raw bytes.
func GetWorkflowSchema() []byte {
	return workflowSchema
}

// GetWorkflowSchemaString returns the embedded workflow JSON Schema as a
// string.
func GetWorkflowSchemaString() string {
	return string(workflowSchema)
}
