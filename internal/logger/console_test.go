package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsoleLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "warn")

	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("a warning: %d", 42)
	l.Error("an error")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "[WARN] a warning: 42")
	assert.Contains(t, out, "[ERROR] an error")
}

func TestConsoleLoggerNilWriterDiscards(t *testing.T) {
	l := NewConsoleLogger(nil, "trace")
	assert.NotPanics(t, func() {
		l.Info("dropped on the floor")
	})
}

func TestNormalizeLogLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, "info", normalizeLogLevel(""))
	assert.Equal(t, "info", normalizeLogLevel("bogus"))
	assert.Equal(t, "warn", normalizeLogLevel("WARN"))
}

func TestConsoleLoggerFormatsTimestampPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "trace")
	l.Trace("hi")
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "["))
	assert.Contains(t, line, "] [TRACE] hi")
}
