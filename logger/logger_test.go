package logger

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("TRACE", LevelInfo))
	assert.Equal(t, LevelDebug, ParseLevel("DeBuG", LevelInfo))
	assert.Equal(t, LevelWarn, ParseLevel("warning", LevelInfo))
	assert.Equal(t, LevelNone, ParseLevel("off", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("bogus", LevelInfo))
}

func TestTestLoggerRecords(t *testing.T) {
	log := NewTestLogger()
	log.Trace("trace %d", 1)
	log.Debug("debug")
	log.Info("info")
	log.Warn("warn %s", "x")
	log.Error("error")

	logs := log.Logs()
	require.Len(t, logs, 5)
	assert.Equal(t, "TRACE", logs[0].Severity)
	assert.Equal(t, "trace 1", logs[0].String())
	assert.Equal(t, "WARNING", logs[3].Severity)
	assert.True(t, log.Contains("WARNING", "warn x"))
	assert.False(t, log.Contains("ERROR", "warn"))
}

func TestTestLoggerWithSharesBuffer(t *testing.T) {
	log := NewTestLogger()
	child := WithKV(WithKV(log, "key1", "value1"), "key2", 42)
	child.Info("from child")

	logs := log.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "value1", logs[0].Metadata["key1"])
	assert.Equal(t, 42, logs[0].Metadata["key2"])
}

func TestTestLoggerConcurrent(t *testing.T) {
	log := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Debug("goroutine %d", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, log.Logs(), 20)
}

func TestStackForwardsToChild(t *testing.T) {
	parent := NewTestLogger()
	child := NewTestLogger()
	stacked := parent.Stack(child)
	stacked.Info("both")
	assert.Len(t, parent.Logs(), 1)
	assert.Len(t, child.Logs(), 1)
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.With(map[string]interface{}{"a": 1}).WithPrefix("[x]").Info("dropped")
	next := NewTestLogger()
	log.Stack(next).Info("kept")
	assert.Len(t, next.Logs(), 1)
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, LevelInfo)
	log.(*jsonLogger).now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }
	log.Debug("filtered")
	assert.Empty(t, buf.String())

	scoped := log.WithPrefix("[cache]").With(map[string]interface{}{"key": "k1"})
	scoped.Info("saved %s", "k1")
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "saved k1", parsed["message"])
	assert.Equal(t, "INFO", parsed["severity"])
	assert.Equal(t, "cache", parsed["component"])
	assert.Equal(t, "2023-11-14T22:13:20Z", parsed["timestamp"])
	assert.Equal(t, "k1", parsed["metadata"].(map[string]interface{})["key"])

	buf.Reset()
	scoped.WithPrefix("[session]").Warn("lock held")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "WARNING", parsed["severity"])
	assert.Equal(t, "cache, session", parsed["component"])
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(&buf, LevelWarn)
	log.Info("filtered")
	assert.Empty(t, buf.String())

	log.WithPrefix("[session]").WithPrefix("[session]").Warn("lock held by %s", "other")
	out := buf.String()
	assert.Equal(t, "[WARN]  [session] lock held by other\n", out)
	assert.NotContains(t, out, "\x1b[")

	buf.Reset()
	WithKV(log, "id", "s1").Error("failed")
	assert.Equal(t, "[ERROR] failed {\"id\":\"s1\"}\n", buf.String())
}

func TestConsoleLoggerStacks(t *testing.T) {
	var buf bytes.Buffer
	next := NewTestLogger()
	log := NewConsoleLogger(&buf, LevelError).Stack(next)
	log.Info("only the child")
	assert.Empty(t, buf.String())
	assert.True(t, next.Contains("INFO", "only the child"))
}
