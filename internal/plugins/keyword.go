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
	"strings"

	"github.com/azapg/FAIR/sdk"
)

// KeywordID is the registry id of the built-in keyword grader.
const KeywordID = "dev.fair.keyword"

// Keyword scores a transcription by rubric keyword presence. Each matched
// keyword earns points_per_match, capped at the max score.
type Keyword struct {
	keywords      []string
	points        float64
	maxScore      float64
	caseSensitive bool
	logger        sdk.Logger
}

// KeywordManifest describes the keyword grader to the registry.
func KeywordManifest() sdk.Manifest {
	return sdk.Manifest{
		ID:      KeywordID,
		Name:    "Keyword Grader",
		Author:  "FAIR",
		Version: "1.0.0",
		Kind:    sdk.KindGrade,
		Settings: []sdk.Field{
			sdk.TextField{
				Name:      "keywords",
				Label:     "Rubric keywords, comma separated",
				Required:  true,
				MinLength: 1,
			},
			sdk.NumberField{
				Name:    "points_per_match",
				Label:   "Points per matched keyword",
				Default: f64(10),
				Ge:      f64(0),
			},
			sdk.NumberField{
				Name:  "max_score",
				Label: "Score cap (0 falls back to the assignment max)",
				Ge:    f64(0),
			},
			sdk.SwitchField{
				Name:  "case_sensitive",
				Label: "Match keywords case-sensitively",
			},
		},
	}
}

// Configure parses the keyword list and scoring parameters.
func (g *Keyword) Configure(settings sdk.Settings, logger sdk.Logger) error {
	g.keywords = g.keywords[:0]
	for _, kw := range strings.Split(settings.Text("keywords"), ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			g.keywords = append(g.keywords, kw)
		}
	}
	if len(g.keywords) == 0 {
		return fmt.Errorf("keywords must name at least one keyword")
	}

	g.points = 10
	if settings.Has("points_per_match") {
		g.points = settings.Number("points_per_match")
	}
	g.maxScore = settings.Number("max_score")
	g.caseSensitive = settings.Switch("case_sensitive")
	g.logger = logger
	return nil
}

// Grade counts matched keywords in the transcription and derives the score.
func (g *Keyword) Grade(ctx context.Context, sub sdk.TranscribedSubmission) (sdk.GradeResult, error) {
	if err := ctx.Err(); err != nil {
		return sdk.GradeResult{}, err
	}

	text := sub.Transcription.Text
	if !g.caseSensitive {
		text = strings.ToLower(text)
	}

	var matched, missed []string
	for _, kw := range g.keywords {
		needle := kw
		if !g.caseSensitive {
			needle = strings.ToLower(kw)
		}
		if strings.Contains(text, needle) {
			matched = append(matched, kw)
		} else {
			missed = append(missed, kw)
		}
	}

	maxScore := g.maxScore
	if maxScore <= 0 {
		maxScore = sub.Submission.Assignment.MaxScore
	}
	if maxScore <= 0 {
		maxScore = float64(len(g.keywords)) * g.points
	}

	score := float64(len(matched)) * g.points
	if score > maxScore {
		score = maxScore
	}

	return sdk.GradeResult{
		Score:    score,
		MaxScore: maxScore,
		Feedback: keywordFeedback(matched, missed, len(g.keywords)),
		Meta: map[string]any{
			"matched": matched,
			"missed":  missed,
		},
	}, nil
}

func keywordFeedback(matched, missed []string, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Matched %d/%d keywords.", len(matched), total)
	if len(matched) > 0 {
		fmt.Fprintf(&b, " Found: %s.", strings.Join(matched, ", "))
	}
	if len(missed) > 0 {
		fmt.Fprintf(&b, " Missing: %s.", strings.Join(missed, ", "))
	}
	return b.String()
}

var _ sdk.Grader = (*Keyword)(nil)
