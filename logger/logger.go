// Package logger defines the small structured logging surface used by the
// RLS engine and adapters for the logging backends it ships with.
package logger

// Logger accepts alternating key/value pairs after the message.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for each evaluation.
// It must be safe for concurrent calls.
type TraceIDFunc func() string
