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

// Logger is the logging surface handed to plugins. Messages become log
// envelopes delivered to every session subscriber in the order the calls
// were made, regardless of which goroutine made them.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// SessionLogger produces session-scoped log envelopes through a LogQueue.
// It is safe for concurrent use; ordering across goroutines is the queue's
// single consumer, not the logger.
type SessionLogger struct {
	queue *LogQueue
}

// NewSessionLogger creates a logger writing to queue.
func NewSessionLogger(queue *LogQueue) *SessionLogger {
	return &SessionLogger{queue: queue}
}

// Log enqueues one log envelope at the given level.
func (l *SessionLogger) Log(level Level, msg string) {
	l.queue.Enqueue(NewLog(level, msg))
}

// Debug logs at debug level.
func (l *SessionLogger) Debug(msg string) { l.Log(LevelDebug, msg) }

// Info logs at info level.
func (l *SessionLogger) Info(msg string) { l.Log(LevelInfo, msg) }

// Warn logs at warn level.
func (l *SessionLogger) Warn(msg string) { l.Log(LevelWarn, msg) }

// Error logs at error level.
func (l *SessionLogger) Error(msg string) { l.Log(LevelError, msg) }

// Child returns a PluginLogger attributing every envelope to pluginID.
// The child shares this logger's queue, so session-level and plugin-level
// messages interleave in true emission order.
func (l *SessionLogger) Child(pluginID string) *PluginLogger {
	return &PluginLogger{queue: l.queue, pluginID: pluginID}
}

// PluginLogger tags every envelope with the plugin that produced it.
type PluginLogger struct {
	queue    *LogQueue
	pluginID string
}

// Log enqueues one plugin-attributed log envelope.
func (l *PluginLogger) Log(level Level, msg string) {
	l.queue.Enqueue(NewPluginLog(level, msg, l.pluginID))
}

// Debug logs at debug level.
func (l *PluginLogger) Debug(msg string) { l.Log(LevelDebug, msg) }

// Info logs at info level.
func (l *PluginLogger) Info(msg string) { l.Log(LevelInfo, msg) }

// Warn logs at warn level.
func (l *PluginLogger) Warn(msg string) { l.Log(LevelWarn, msg) }

// Error logs at error level.
func (l *PluginLogger) Error(msg string) { l.Log(LevelError, msg) }

// PluginID returns the plugin this logger attributes messages to.
func (l *PluginLogger) PluginID() string { return l.pluginID }

var (
	_ Logger = (*SessionLogger)(nil)
	_ Logger = (*PluginLogger)(nil)
)
