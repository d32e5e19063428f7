package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSLogLoggerWritesPairs(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	l.Info("rls decision", "user_id", "u1", "cached", true, "policies", 2, "took", time.Millisecond)
	l.Warn("condition failed", "err", errors.New("missing_attribute"))

	out := buf.String()
	assert.Contains(t, out, "rls decision")
	assert.Contains(t, out, "user_id=u1")
	assert.Contains(t, out, "cached=true")
	assert.Contains(t, out, "policies=2")
	assert.Contains(t, out, "err=missing_attribute")
}

func TestSLogLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	l.Debug("hidden", "k", "v")
	assert.Empty(t, buf.String())
}

func TestSLogLoggerIgnoresDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	l := NewSLogLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	l.Error("boom", "only-key")
	assert.Contains(t, buf.String(), "boom")
	assert.NotContains(t, buf.String(), "only-key")
}
