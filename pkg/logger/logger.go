// Package logger provides the broker's logging interface with a colored
// log/slog implementation for terminals and a no-op logger for tests.
package logger

// Logger is the logging interface the broker components receive. Args are
// alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoopLogger discards everything. Used in tests.
type NoopLogger struct{}

func (NoopLogger) Debug(msg string, args ...interface{}) {}
func (NoopLogger) Info(msg string, args ...interface{})  {}
func (NoopLogger) Warn(msg string, args ...interface{})  {}
func (NoopLogger) Error(msg string, args ...interface{}) {}
