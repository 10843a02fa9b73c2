package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup builds the process logger. Interactive runs get a console writer on
// stderr; --json forces structured output for CI logs. The result is also
// installed as the global logger used through zerolog/log.
func Setup(debug, json bool) zerolog.Logger {
	return setup(os.Stderr, debug, json)
}

func setup(w io.Writer, debug, json bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var logger zerolog.Logger
	if json {
		logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
			Level(level).With().Timestamp().Logger()
	}

	if debug {
		logger = logger.With().Caller().Stack().Logger()
	}

	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger

	return logger
}
