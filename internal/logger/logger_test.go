package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	logger := setup(&buf, false, true)
	require.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	log.Info().Str("path", "css/app.css").Msg("emitted")
	log.Debug().Msg("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "emitted", entry["message"])
	require.Equal(t, "css/app.css", entry["path"])
}

func TestSetupDebugConsole(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	logger := setup(&buf, true, false)
	require.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	log.Debug().Msg("visible")
	require.Contains(t, buf.String(), "visible")
}
