package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ANSI color codes for the level tags
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

// SlogLogger adapts log/slog to the Logger interface with colored level
// tags for terminals.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a logger writing human-readable lines at or above
// minLevel. A nil writer defaults to stdout.
func NewSlogLogger(minLevel slog.Level, writer io.Writer) *SlogLogger {
	if writer == nil {
		writer = os.Stdout
	}
	return &SlogLogger{
		logger: slog.New(&coloredHandler{writer: writer, minLevel: minLevel}),
	}
}

func (l *SlogLogger) Debug(msg string, args ...interface{}) { l.logger.Debug(msg, pairs(args)...) }
func (l *SlogLogger) Info(msg string, args ...interface{})  { l.logger.Info(msg, pairs(args)...) }
func (l *SlogLogger) Warn(msg string, args ...interface{})  { l.logger.Warn(msg, pairs(args)...) }
func (l *SlogLogger) Error(msg string, args ...interface{}) { l.logger.Error(msg, pairs(args)...) }

// pairs keeps only complete key-value pairs with string keys.
func pairs(args []interface{}) []any {
	attrs := make([]any, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			attrs = append(attrs, slog.Any(key, args[i+1]))
		}
	}
	return attrs
}

// coloredHandler prints one line per record: timestamp, colored level tag,
// message, then key=value attrs. Groups are not used here and are ignored.
type coloredHandler struct {
	writer   io.Writer
	minLevel slog.Level
	attrs    []slog.Attr
}

func (h *coloredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *coloredHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, attr := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *coloredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &coloredHandler{writer: h.writer, minLevel: h.minLevel, attrs: merged}
}

func (h *coloredHandler) WithGroup(string) slog.Handler { return h }

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed + "ERR" + colorReset
	case level >= slog.LevelWarn:
		return colorYellow + "WRN" + colorReset
	case level >= slog.LevelInfo:
		return colorBlue + "INF" + colorReset
	default:
		return colorGray + "DBG" + colorReset
	}
}
