// Package logrusadapter provides a logger that writes to a github.com/sirupsen/logrus.Logger
// log.
package logrusadapter

import (
	"context"

	"github.com/pgbridge/pgbridge"
	"github.com/sirupsen/logrus"
)

type Logger struct {
	l logrus.FieldLogger
}

func NewLogger(l logrus.FieldLogger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(ctx context.Context, level pgbridge.LogLevel, msg string, data map[string]interface{}) {
	var logger logrus.FieldLogger
	if data != nil {
		logger = l.l.WithFields(data)
	} else {
		logger = l.l
	}

	switch level {
	case pgbridge.LogLevelTrace:
		logger.WithField("PGBRIDGE_LOG_LEVEL", level).Debug(msg)
	case pgbridge.LogLevelDebug:
		logger.Debug(msg)
	case pgbridge.LogLevelInfo:
		logger.Info(msg)
	case pgbridge.LogLevelWarn:
		logger.Warn(msg)
	case pgbridge.LogLevelError:
		logger.Error(msg)
	default:
		logger.WithField("INVALID_PGBRIDGE_LOG_LEVEL", level).Error(msg)
	}
}
