// Package zerologadapter provides a logger that writes to a github.com/rs/zerolog.
package zerologadapter

import (
	"context"

	"github.com/pgbridge/pgbridge"
	"github.com/rs/zerolog"
)

type Logger struct {
	logger zerolog.Logger
}

// NewLogger accepts a zerolog.Logger as input and returns a new custom
// pgbridge logging fascade as output.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("module", "pgbridge").Logger(),
	}
}

func (pl *Logger) Log(ctx context.Context, level pgbridge.LogLevel, msg string, data map[string]interface{}) {
	var zlevel zerolog.Level
	switch level {
	case pgbridge.LogLevelNone:
		zlevel = zerolog.NoLevel
	case pgbridge.LogLevelError:
		zlevel = zerolog.ErrorLevel
	case pgbridge.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case pgbridge.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	case pgbridge.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	default:
		zlevel = zerolog.DebugLevel
	}

	log := pl.logger.With().Fields(data).Logger()
	log.WithLevel(zlevel).Msg(msg)
}
