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
	"time"
)

// Level is the severity of a log envelope.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// Envelope types. The type doubles as the bus topic the envelope is
// emitted on.
const (
	TypeLog    = "log"
	TypeUpdate = "update"
	TypeClose  = "close"
)

// Update objects identify what an update envelope describes.
const (
	ObjectWorkflowRun = "workflow_run"
	ObjectSubmissions = "submissions"
)

// Envelope is the unit of delivery to session subscribers. Exactly one of
// three shapes is valid, keyed by Type:
//
//	{"type":"log",    "ts":..., "level":..., "payload":{"message":..., "plugin":...}}
//	{"type":"update", "object":..., "payload":{...}}
//	{"type":"close",  "reason":...}
//
// An IndexedEventBus additionally stamps Index before delivery; indexed
// envelopes serialize an "index" field.
type Envelope struct {
	Type string

	// TS is the enqueue time of log envelopes. Zero for update/close.
	TS time.Time

	// Level is set on log envelopes.
	Level Level

	// Object is set on update envelopes: ObjectWorkflowRun or ObjectSubmissions.
	Object string

	// Reason is set on close envelopes.
	Reason string

	// Payload carries the log fields (message, plugin) or the update body.
	// Update bodies are either one object or an array of objects, each
	// carrying an "id" plus the changed fields.
	Payload any

	// Index is a per-bus sequence number. Valid only when Indexed is true.
	Index   uint64
	Indexed bool
}

// NewLog builds a log envelope. The timestamp is stamped by the LogQueue
// at enqueue time.
func NewLog(level Level, message string) Envelope {
	return Envelope{
		Type:    TypeLog,
		Level:   level,
		Payload: map[string]any{"message": message},
	}
}

// NewPluginLog builds a log envelope attributed to a plugin.
func NewPluginLog(level Level, message, pluginID string) Envelope {
	return Envelope{
		Type:    TypeLog,
		Level:   level,
		Payload: map[string]any{"message": message, "plugin": pluginID},
	}
}

// NewUpdate builds an update envelope for the given object. The payload
// is one object or an array of per-entity objects.
func NewUpdate(object string, payload any) Envelope {
	return Envelope{
		Type:    TypeUpdate,
		Object:  object,
		Payload: payload,
	}
}

// NewClose builds the terminal close envelope.
func NewClose(reason string) Envelope {
	return Envelope{
		Type:   TypeClose,
		Reason: reason,
	}
}

// Message returns the log message, or "" for non-log envelopes.
func (e Envelope) Message() string {
	fields, ok := e.Payload.(map[string]any)
	if !ok {
		return ""
	}
	msg, _ := fields["message"].(string)
	return msg
}

// PluginID returns the plugin attribution of a log envelope, or "".
func (e Envelope) PluginID() string {
	fields, ok := e.Payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := fields["plugin"].(string)
	return id
}

// MarshalJSON serializes only the fields meaningful for the envelope type,
// so the wire shapes stay exactly as documented.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type}
	if e.Indexed {
		out["index"] = e.Index
	}
	if !e.TS.IsZero() {
		out["ts"] = e.TS.Format(time.RFC3339Nano)
	}
	if e.Level != "" {
		out["level"] = string(e.Level)
	}
	if e.Object != "" {
		out["object"] = e.Object
	}
	if e.Type == TypeClose {
		out["reason"] = e.Reason
	}
	if e.Payload != nil {
		out["payload"] = e.Payload
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses an envelope from its wire form.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    string  `json:"type"`
		Index   *uint64 `json:"index"`
		TS      string  `json:"ts"`
		Level   string  `json:"level"`
		Object  string  `json:"object"`
		Reason  string  `json:"reason"`
		Payload any     `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Type = raw.Type
	e.Level = Level(raw.Level)
	e.Object = raw.Object
	e.Reason = raw.Reason
	e.Payload = raw.Payload
	if raw.Index != nil {
		e.Index = *raw.Index
		e.Indexed = true
	}
	if raw.TS != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw.TS)
		if err != nil {
			return err
		}
		e.TS = ts
	}
	return nil
}
