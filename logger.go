package pgbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgbridge/pgbridge/elog"
)

// The values for log levels are chosen such that the zero value means that no
// log level was specified.
const (
	LogLevelTrace = LogLevel(6)
	LogLevelDebug = LogLevel(5)
	LogLevelInfo  = LogLevel(4)
	LogLevelWarn  = LogLevel(3)
	LogLevelError = LogLevel(2)
	LogLevelNone  = LogLevel(1)
)

// LogLevel represents the log level.
type LogLevel int

func (ll LogLevel) String() string {
	switch ll {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	case LogLevelNone:
		return "none"
	default:
		return fmt.Sprintf("invalid level %d", ll)
	}
}

// Logger is the interface used to get logging from pgbridge internals.
type Logger interface {
	// Log a message at the given level with data key/value pairs. data may be
	// nil.
	Log(ctx context.Context, level LogLevel, msg string, data map[string]interface{})
}

// LogLevelFromString converts log level string to constant
//
// Valid levels:
//
//	trace
//	debug
//	info
//	warn
//	error
//	none
func LogLevelFromString(s string) (LogLevel, error) {
	switch s {
	case "trace":
		return LogLevelTrace, nil
	case "debug":
		return LogLevelDebug, nil
	case "info":
		return LogLevelInfo, nil
	case "warn":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "none":
		return LogLevelNone, nil
	default:
		return 0, errors.New("invalid log level")
	}
}

// logLevelForSeverity maps an elog severity onto the logger's levels, so
// diagnostics routed up from the core packages land at a sensible level.
func logLevelForSeverity(sev elog.Severity) LogLevel {
	switch {
	case sev >= elog.ErrorLevel:
		return LogLevelError
	case sev == elog.Warning:
		return LogLevelWarn
	case sev >= elog.Info:
		return LogLevelInfo
	default:
		return LogLevelDebug
	}
}
