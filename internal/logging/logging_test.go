package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", FormatJSON, &buf)
	require.NoError(t, err)

	logger.Debug().Str("role", "bot_main").Msg("worker online")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "bot_main", line["role"])
	assert.Equal(t, "worker online", line["message"])
	assert.Contains(t, line, "time")
}

func TestNewAutoIsJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("info", FormatAuto, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hello")
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("info", FormatConsole, &buf)
	require.NoError(t, err)

	logger.Info().Int("pid", 42).Msg("worker spawning")
	assert.Contains(t, buf.String(), "worker spawning")
	assert.Contains(t, buf.String(), "pid=42")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("WARN", FormatJSON, &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("dropped")
	assert.Empty(t, buf.String())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", FormatJSON, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
