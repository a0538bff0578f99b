package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithConsole(Config{Level: "warn", Debug: true}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger, err = newWithConsole(Config{Level: "nonsense"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestNewWritesRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "trader.log")
	logger, err := newWithConsole(Config{Level: "info", OutputFile: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)
	logger.Info("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.FileExists(t, path)
}

func TestLogrusSinkMapsFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newWithConsole(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	NewLogrusSink(logger).Emit(Event{
		Name:       "exchange_attempt",
		Operation:  "AddOrder",
		Attempt:    2,
		Outcome:    "retryable",
		Latency:    1500 * time.Millisecond,
		HTTPStatus: 503,
		Message:    "attempt failed",
		Fields:     map[string]any{"event": "ignored", "pair": "XBT/USD"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "exchange_attempt", line["event"])
	assert.Equal(t, "events", line["component"])
	assert.Equal(t, "AddOrder", line["operation"])
	assert.EqualValues(t, 2, line["attempt"])
	assert.EqualValues(t, 1500, line["latency_ms"])
	assert.EqualValues(t, 503, line["http_status"])
	assert.Equal(t, "XBT/USD", line["pair"])
	assert.Equal(t, "info", line["level"])
}

func TestRecorderNamed(t *testing.T) {
	r := &Recorder{}
	r.Emit(Event{Name: "a"})
	r.Emit(Event{Name: "b"})
	r.Emit(Event{Name: "a"})
	assert.Len(t, r.Named("a"), 2)
	assert.Len(t, r.Events(), 3)
}

func TestCommandIDContext(t *testing.T) {
	ctx := WithCommandID(context.Background(), "cmd-1")
	assert.Equal(t, "cmd-1", CommandIDFromContext(ctx))
	assert.Empty(t, CommandIDFromContext(context.Background()))
}
