// Package audit records repository mutations as structured log events.
package audit

import (
	"github.com/rs/zerolog"
)

// Results used by audit events.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Logger provides structured audit logging for repository mutations.
// A nil *Logger discards every event.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogMutation logs a create, update, remove or purge.
// result: "ok" or "failed"
// details: error text for failures (may be empty)
func (l *Logger) LogMutation(typeName, operation, id, version, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result != ResultOK {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "mutation").
		Str("type", typeName).
		Str("operation", operation).
		Str("id", id).
		Str("result", result)

	if version != "" {
		event = event.Str("version", version)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Repository mutation")
}

// LogQuorumFailure logs a write that did not reach quorum.
// phase: "write" for the raw writes, "confirm" for the read-back
func (l *Logger) LogQuorumFailure(typeName, id, version, phase string, got, need int) {
	if l == nil {
		return
	}
	l.logger.Warn().
		Str("event_type", "quorum_failure").
		Str("type", typeName).
		Str("id", id).
		Str("version", version).
		Str("phase", phase).
		Int("got", got).
		Int("need", need).
		Msg("Quorum not reached")
}

// LogRepair logs a read-repair write against one backend.
func (l *Logger) LogRepair(typeName, id, version, backend, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result != ResultOK {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "repair").
		Str("type", typeName).
		Str("id", id).
		Str("version", version).
		Str("backend", backend).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Replica repair")
}
