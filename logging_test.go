package fiberio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	level   LogLevel
	entries []LogEntry
}

func (l *recordingLogger) IsEnabled(level LogLevel) bool { return level >= l.level }
func (l *recordingLogger) Log(entry LogEntry)            { l.entries = append(l.entries, entry) }

func TestPickLogger_PrefersInstanceOverPackageLevel(t *testing.T) {
	instance := &recordingLogger{level: LevelDebug}
	assert.Same(t, Logger(instance), pickLogger(instance))
}

func TestPickLogger_FallsBackToPackageLevel(t *testing.T) {
	defer SetLogger(nil)
	pkg := &recordingLogger{level: LevelDebug}
	SetLogger(pkg)
	assert.Same(t, Logger(pkg), pickLogger(nil))
}

func TestPickLogger_NoopWhenNothingConfigured(t *testing.T) {
	defer SetLogger(nil)
	SetLogger(nil)
	l := pickLogger(nil)
	require.NotNil(t, l)
	assert.False(t, l.IsEnabled(LevelDebug))
	l.Log(LogEntry{Level: LevelError}) // must not panic
}

func TestLogDebug_SkipsDisabledLogger(t *testing.T) {
	rec := &recordingLogger{level: LevelWarn}
	logDebug(rec, "backend", "epoll", 3, "should be filtered", nil)
	assert.Empty(t, rec.entries)
}

func TestLogWarn_RecordsEnabledEntry(t *testing.T) {
	rec := &recordingLogger{level: LevelDebug}
	cause := errors.New("boom")
	logWarn(rec, "backend", "epoll", 3, "degraded", cause)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, LevelWarn, rec.entries[0].Level)
	assert.Equal(t, "epoll", rec.entries[0].Backend)
	assert.Equal(t, 3, rec.entries[0].FD)
	assert.ErrorIs(t, rec.entries[0].Err, cause)
}

func TestDefaultLogger_RespectsLevel(t *testing.T) {
	l := NewDefaultLogger(LevelWarn)
	assert.False(t, l.IsEnabled(LevelDebug))
	assert.True(t, l.IsEnabled(LevelWarn))
	assert.True(t, l.IsEnabled(LevelError))

	l.SetLevel(LevelDebug)
	assert.True(t, l.IsEnabled(LevelDebug))
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Contains(t, LogLevel(99).String(), "UNKNOWN")
}
