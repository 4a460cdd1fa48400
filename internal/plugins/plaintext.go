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

// Package plugins ships the built-in transcriber, grader and validators
// every FAIR install has available without loading external plugins.
package plugins

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/unicode/norm"

	"github.com/azapg/FAIR/sdk"
)

// PlaintextID is the registry id of the built-in plaintext transcriber.
const PlaintextID = "dev.fair.plaintext"

const defaultMaxBytes = 1 << 20 // 1 MiB per attachment

// Plaintext reads text attachments from local storage and concatenates them
// into a transcription. Binary attachments and attachments outside the
// include glob are skipped.
type Plaintext struct {
	include   string
	maxBytes  int64
	normalize bool
	logger    sdk.Logger
}

// PlaintextManifest describes the plaintext transcriber to the registry.
func PlaintextManifest() sdk.Manifest {
	return sdk.Manifest{
		ID:      PlaintextID,
		Name:    "Plaintext Transcriber",
		Author:  "FAIR",
		Version: "1.0.0",
		Kind:    sdk.KindTranscription,
		Settings: []sdk.Field{
			sdk.TextField{
				Name:    "include",
				Label:   "Attachment glob",
				Default: "**/*.txt",
			},
			sdk.NumberField{
				Name:    "max_bytes",
				Label:   "Per-attachment size cap",
				Default: f64(defaultMaxBytes),
				Ge:      f64(1),
			},
			sdk.SwitchField{
				Name:    "normalize",
				Label:   "Normalize text to NFC",
				Default: true,
			},
		},
	}
}

// Configure binds the include glob and limits.
func (p *Plaintext) Configure(settings sdk.Settings, logger sdk.Logger) error {
	p.include = settings.Text("include")
	p.maxBytes = int64(settings.Number("max_bytes"))
	p.normalize = settings.Switch("normalize")
	p.logger = logger

	if !doublestar.ValidatePattern(p.include) {
		return fmt.Errorf("invalid include pattern %q", p.include)
	}
	return nil
}

// Transcribe reads every matching text attachment and joins them. A
// submission with no readable text attachment fails transcription.
func (p *Plaintext) Transcribe(ctx context.Context, sub sdk.Submission) (sdk.Transcription, error) {
	var (
		parts []string
		files []any
		total int
	)
	for _, att := range sub.Attachments {
		if err := ctx.Err(); err != nil {
			return sdk.Transcription{}, err
		}
		name := att.Title
		if name == "" {
			name = filepath.Base(att.Path)
		}
		if ok, _ := doublestar.Match(p.include, name); !ok {
			continue
		}

		content, err := p.read(att)
		if err != nil {
			p.logger.Warn(fmt.Sprintf("skipping attachment %s: %v", name, err))
			continue
		}
		if looksBinary(att.MIME, content) {
			p.logger.Warn(fmt.Sprintf("skipping binary attachment %s", name))
			continue
		}

		text := string(content)
		if p.normalize {
			text = norm.NFC.String(text)
		}
		parts = append(parts, text)
		files = append(files, name)
		total += len(text)
	}

	if len(parts) == 0 {
		return sdk.Transcription{}, fmt.Errorf("no readable text attachments matched %q", p.include)
	}

	return sdk.Transcription{
		Text:       strings.Join(parts, "\n\n"),
		Confidence: 1.0,
		Meta: map[string]any{
			"files": files,
			"bytes": total,
		},
	}, nil
}

// read loads the attachment content, enforcing the size cap. Only local
// storage is supported; remote kinds need a dedicated transcriber.
func (p *Plaintext) read(att sdk.Attachment) ([]byte, error) {
	if att.Kind != "" && att.Kind != "local" {
		return nil, fmt.Errorf("unsupported storage kind %q", att.Kind)
	}

	info, err := os.Stat(att.Path)
	if err != nil {
		return nil, err
	}
	if p.maxBytes > 0 && info.Size() > p.maxBytes {
		return nil, fmt.Errorf("attachment is %d bytes, cap is %d", info.Size(), p.maxBytes)
	}
	return os.ReadFile(att.Path)
}

// looksBinary rejects attachments that declare a non-text MIME type or whose
// content is not valid UTF-8.
func looksBinary(mime string, content []byte) bool {
	if mime != "" && !strings.HasPrefix(mime, "text/") {
		switch mime {
		case "application/json", "application/xml", "application/x-yaml":
		default:
			return true
		}
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return true
	}
	return !utf8.Valid(content)
}

func f64(v float64) *float64 { return &v }

var _ sdk.Transcriber = (*Plaintext)(nil)
