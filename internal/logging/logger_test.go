package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestLoggerKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "debug", JSONFormat: true}, &buf)

	l.WithComponent("optimizer").Info("status changed", "symbol", "EURUSD", "err", errors.New("boom"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "status changed", entry["message"])
	assert.Equal(t, "optimizer", entry["component"])
	assert.Equal(t, "EURUSD", entry["symbol"])
	assert.Equal(t, "boom", entry["err"])
	assert.Equal(t, "info", entry["level"])
}

func TestLoggerPrintfFallback(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	l.Warn("evaluated %d symbols", 7)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "evaluated 7 symbols", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "warn", JSONFormat: true}, &buf)

	l.Info("dropped")
	l.Debug("dropped too")
	assert.Zero(t, buf.Len())

	l.Error("kept")
	assert.NotZero(t, buf.Len())
}

func TestWithFieldsAccumulate(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	l := base.WithField("account", "acc-1").WithFields(map[string]interface{}{"symbol": "XAUUSD"}).WithError(errors.New("gap"))
	l.Info("tick gap")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "acc-1", entry["account"])
	assert.Equal(t, "XAUUSD", entry["symbol"])
	assert.Equal(t, "gap", entry["error"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"WARNING", WARN},
		{"error", ERROR},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestTraceContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	assert.Empty(t, TraceIDFromContext(context.Background()))

	ctx, l := WithTraceContext(NewContext(context.Background(), base))
	traceID := TraceIDFromContext(ctx)
	require.Len(t, traceID, 36)
	assert.Same(t, l, FromContext(ctx))

	FromContext(ctx).Info("gate checked")
	entry := decodeLine(t, &buf)
	assert.Equal(t, traceID, entry["trace_id"])
}
