package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("TRACE", LevelInfo))
	assert.Equal(t, LevelWarn, ParseLevel("warning", LevelInfo))
	assert.Equal(t, LevelNone, ParseLevel("off", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("bogus", LevelInfo))
}

func TestGetLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	assert.Equal(t, LevelError, GetLevelFromEnv())
	t.Setenv(EnvLogLevel, "")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
}

func TestTestLoggerSharesEntries(t *testing.T) {
	root := NewTestLogger()
	child := root.With(map[string]interface{}{"component": "cache"})
	child.Warn("skipping record %s", "a")
	root.Info("hello")

	logs := root.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "WARNING", logs[0].Severity)
	assert.Equal(t, "skipping record a", logs[0].Formatted())
	assert.Equal(t, "cache", logs[0].Metadata["component"])
	assert.Equal(t, 1, root.Count("WARNING", "skipping"))
}

func TestTestLoggerConcurrent(t *testing.T) {
	l := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Debug("tick")
		}()
	}
	wg.Wait()
	assert.Len(t, l.Logs(), 20)
}

func TestJSONLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWithSink(&buf, LevelDebug)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.(*jsonLogger).ts = &ts

	l.With(map[string]interface{}{"component": "transport", "client": "abc"}).Info("flushed %d items", 3)
	l.Trace("not recorded")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry.Severity)
	assert.Equal(t, "flushed 3 items", entry.Message)
	assert.Equal(t, "transport", entry.Component)
	assert.Equal(t, "abc", entry.Metadata["client"])
	assert.True(t, entry.Timestamp.Equal(ts))
}

func TestConsoleLoggerSinkStripsColor(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(LevelNone)
	l.SetSink(&buf, LevelWarn)
	l.WithPrefix("[sync]").Warn("offline, %d queued", 4)
	l.Info("dropped")

	out := buf.String()
	assert.Contains(t, out, "[WARN ] [sync] offline, 4 queued")
	assert.NotContains(t, out, "\x1b[")
	assert.NotContains(t, out, "dropped")
}

func TestStackForwards(t *testing.T) {
	next := NewTestLogger()
	l := NewTestLogger().Stack(next)
	l.Error("boom")
	assert.Equal(t, 1, next.Count("ERROR", "boom"))
}
