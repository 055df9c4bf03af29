package kitlogadapter

import (
	"context"

	"github.com/go-kit/log"
	kitlevel "github.com/go-kit/log/level"
	"github.com/pgbridge/pgbridge"
)

type Logger struct {
	l log.Logger
}

func NewLogger(l log.Logger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(ctx context.Context, level pgbridge.LogLevel, msg string, data map[string]interface{}) {
	logger := l.l
	for k, v := range data {
		logger = log.With(logger, k, v)
	}

	switch level {
	case pgbridge.LogLevelTrace:
		logger.Log("PGBRIDGE_LOG_LEVEL", level, "msg", msg)
	case pgbridge.LogLevelDebug:
		kitlevel.Debug(logger).Log("msg", msg)
	case pgbridge.LogLevelInfo:
		kitlevel.Info(logger).Log("msg", msg)
	case pgbridge.LogLevelWarn:
		kitlevel.Warn(logger).Log("msg", msg)
	case pgbridge.LogLevelError:
		kitlevel.Error(logger).Log("msg", msg)
	default:
		logger.Log("INVALID_PGBRIDGE_LOG_LEVEL", level, "error", msg)
	}
}
