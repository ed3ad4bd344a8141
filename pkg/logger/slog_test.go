package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlogLoggerWritesLevelAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogLogger(slog.LevelInfo, &buf)

	log.Info("client connected", "client", "c1", "keep_alive", 30)

	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "client connected")
	assert.Contains(t, out, "client=c1")
	assert.Contains(t, out, "keep_alive=30")
}

func TestSlogLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogLogger(slog.LevelWarn, &buf)

	log.Debug("noise")
	log.Info("still noise")
	assert.Empty(t, buf.String())

	log.Warn("queue full")
	assert.Contains(t, buf.String(), "queue full")
}

func TestSlogLoggerDropsDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	log := NewSlogLogger(slog.LevelInfo, &buf)

	log.Info("message", "key1", "v1", "dangling")

	out := buf.String()
	assert.Contains(t, out, "key1=v1")
	assert.NotContains(t, out, "dangling")
}
