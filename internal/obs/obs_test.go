package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info")
	log.Debug("hidden")
	log.Info("booking reserved", "parking_id", "p1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "booking reserved", line["msg"])
	assert.Equal(t, "p1", line["parking_id"])
}

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "parking-service", "test", "test", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
