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
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/azapg/FAIR/internal/jq"
	"github.com/azapg/FAIR/sdk"
)

// JqcheckID is the registry id of the built-in jq validator.
const JqcheckID = "dev.fair.jqcheck"

// Jqcheck runs a jq query against each grade document and annotates the
// grading metadata with the result. Execution is timeout-guarded so a
// runaway query cannot stall the validation stage.
type Jqcheck struct {
	query  string
	code   *gojq.Code
	exec   *jq.Executor
	logger sdk.Logger
}

// JqcheckManifest describes the jq validator to the registry.
func JqcheckManifest() sdk.Manifest {
	return sdk.Manifest{
		ID:      JqcheckID,
		Name:    "Jq Check",
		Author:  "FAIR",
		Version: "1.0.0",
		Kind:    sdk.KindValidation,
		Settings: []sdk.Field{
			sdk.TextField{
				Name:      "query",
				Label:     "Jq query over the grade document",
				Required:  true,
				MinLength: 1,
			},
		},
	}
}

// Configure compiles the query once per stage.
func (v *Jqcheck) Configure(settings sdk.Settings, logger sdk.Logger) error {
	v.query = settings.Text("query")
	v.logger = logger
	v.exec = jq.NewExecutor(0)

	code, err := jq.Compile(v.query)
	if err != nil {
		return err
	}
	v.code = code
	return nil
}

// ValidateOne evaluates the query against the grade document.
func (v *Jqcheck) ValidateOne(ctx context.Context, graded sdk.GradedSubmission) (sdk.Annotation, error) {
	doc, err := jqInput(gradeDocument(graded))
	if err != nil {
		return nil, err
	}

	result, err := v.exec.Run(ctx, v.code, doc)
	if err != nil {
		return nil, err
	}

	detail := map[string]any{
		"result": result,
		"query":  v.query,
	}
	if passed, ok := result.(bool); ok {
		detail["passed"] = passed
	}
	return sdk.Annotation{"jqcheck": detail}, nil
}

// jqInput round-trips the document through JSON: gojq only accepts the JSON
// value types, and grade metadata may hold arbitrary Go values.
func jqInput(doc map[string]any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("grade document is not JSON-encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ sdk.Validator = (*Jqcheck)(nil)
