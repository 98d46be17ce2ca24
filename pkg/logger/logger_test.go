package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestLoggerTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "heirloom", slog.LevelInfo)
	log.Debug("hidden")
	log.Info("ready", "addr", ":4000")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "heirloom", line["service"])
	assert.Equal(t, "ready", line["msg"])
	assert.Equal(t, ":4000", line["addr"])
}
