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
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/azapg/FAIR/sdk"
)

// ExprcheckID is the registry id of the built-in expression validator.
const ExprcheckID = "dev.fair.exprcheck"

// Exprcheck evaluates a boolean expr-lang program against each grade and
// annotates the grading metadata with the outcome. The program sees
// score, max_score, feedback and meta; it never changes any of them.
type Exprcheck struct {
	src     string
	program *vm.Program
	logger  sdk.Logger
}

// ExprcheckManifest describes the expression validator to the registry.
func ExprcheckManifest() sdk.Manifest {
	return sdk.Manifest{
		ID:      ExprcheckID,
		Name:    "Expression Check",
		Author:  "FAIR",
		Version: "1.0.0",
		Kind:    sdk.KindValidation,
		Settings: []sdk.Field{
			sdk.TextField{
				Name:      "expr",
				Label:     "Boolean expression over score, max_score, feedback, meta",
				Required:  true,
				MinLength: 1,
			},
		},
	}
}

// Configure compiles the expression once; per-submission validation only
// runs the cached program.
func (v *Exprcheck) Configure(settings sdk.Settings, logger sdk.Logger) error {
	v.src = settings.Text("expr")
	v.logger = logger

	program, err := expr.Compile(v.src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("failed to compile expression: %w", err)
	}
	v.program = program
	return nil
}

// ValidateOne runs the program against the grade document.
func (v *Exprcheck) ValidateOne(ctx context.Context, graded sdk.GradedSubmission) (sdk.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := expr.Run(v.program, gradeDocument(graded))
	if err != nil {
		return nil, fmt.Errorf("expression evaluation failed: %w", err)
	}
	passed, ok := out.(bool)
	if !ok {
		return nil, fmt.Errorf("expression returned %T, want bool", out)
	}

	return sdk.Annotation{
		"exprcheck": map[string]any{
			"passed": passed,
			"expr":   v.src,
		},
	}, nil
}

// gradeDocument is the read-only view validators evaluate against.
func gradeDocument(graded sdk.GradedSubmission) map[string]any {
	meta := graded.Grade.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"score":     graded.Grade.Score,
		"max_score": graded.Grade.MaxScore,
		"feedback":  graded.Grade.Feedback,
		"meta":      meta,
	}
}

var _ sdk.Validator = (*Exprcheck)(nil)
