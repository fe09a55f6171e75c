package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/boosterclub/internal/config"
)

func TestNewLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{ServiceName: "backup-worker", Environment: "staging", LogLevel: "debug"})

	logger.Debug().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "backup-worker", line["service"])
	assert.Equal(t, "staging", line["environment"])
	assert.Equal(t, "hello", line["message"])
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{LogLevel: "loud"})

	logger.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLogger_ConsoleWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(zerolog.ConsoleWriter{Out: &buf, NoColor: true}, &config.Config{ServiceName: "backupctl"})

	logger.Info().Str("kind", "full").Msg("backup finished")
	assert.Contains(t, buf.String(), "backup finished")
	assert.Contains(t, buf.String(), "kind=full")
}
