package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONIncludesCorrelationAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", ServiceName: "sagacore", Output: &buf})

	ctx := WithCorrelationID(context.Background(), "order-42")
	log.WithFields(map[string]interface{}{"component": "eventbus"}).
		Error(ctx, "handler failed", errors.New("boom"), map[string]interface{}{"event_type": "order.placed"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "handler failed", line["msg"])
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "order-42", line["correlation_id"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "eventbus", line["component"])
	assert.Equal(t, "order.placed", line["event_type"])
	assert.Equal(t, "sagacore", line["service"])
}

func TestLogger_DebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Debug(context.Background(), "noisy", nil)

	assert.Zero(t, buf.Len())
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationID(ctx))
	assert.Equal(t, ctx, WithCorrelationID(ctx, ""))
	assert.Equal(t, "abc", CorrelationID(WithCorrelationID(ctx, "abc")))
}
