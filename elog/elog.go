// Package elog models PostgreSQL error reports at the bridge boundary.
//
// An ErrorData carries the same fields a server ErrorResponse message does, so
// an error raised on the guest side of the bridge can surface to a SQL client
// indistinguishable from a native error, and a native error can cross into the
// guest runtime and come back without losing anything.
package elog

import (
	"errors"
	"fmt"
)

// Severity levels, ordered as PostgreSQL orders them. Anything at ErrorLevel
// or above aborts the operation in progress; levels below it are reports.
type Severity int

const (
	Debug5 Severity = iota + 10
	Debug4
	Debug3
	Debug2
	Debug1
	Log
	Info
	Notice
	Warning
	ErrorLevel
	Fatal
	Panic
)

func (s Severity) String() string {
	switch s {
	case Debug5, Debug4, Debug3, Debug2, Debug1:
		return "DEBUG"
	case Log:
		return "LOG"
	case Info:
		return "INFO"
	case Notice:
		return "NOTICE"
	case Warning:
		return "WARNING"
	case ErrorLevel:
		return "ERROR"
	case Fatal:
		return "FATAL"
	case Panic:
		return "PANIC"
	default:
		return "UNKNOWN"
	}
}

// SQLSTATE codes used by the bridge itself.
const (
	SuccessfulCompletionCode            = "00000"
	FeatureNotSupportedCode             = "0A000"
	InvalidParameterValueCode           = "22023"
	ExternalRoutineExceptionCode        = "38000"
	ExternalRoutineInvocationCode       = "39000"
	SRFProtocolViolatedCode             = "39P02"
	UndefinedFunctionCode               = "42883"
	ObjectNotInPrerequisiteStateCode    = "55000"
	ObjectInUseCode                     = "55006"
	QueryCanceledCode                   = "57014"
	AdminShutdownCode                   = "57P01"
	SystemErrorCode                     = "58000"
	ConfigFileErrorCode                 = "F0000"
	InternalErrorCode                   = "XX000"
	DataCorruptedCode                   = "XX001"
)

// ErrorData represents one error report. The field set matches the PostgreSQL
// protocol error fields so a report can round-trip through the wire format.
// See https://www.postgresql.org/docs/current/protocol-error-fields.html.
type ErrorData struct {
	Severity         Severity
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	SchemaName       string
	TableName        string
	ColumnName       string
	DataTypeName     string
	ConstraintName   string
	File             string
	Line             int32
	Routine          string
}

func (ed *ErrorData) Error() string {
	return ed.Severity.String() + ": " + ed.Message + " (SQLSTATE " + ed.Code + ")"
}

// SQLState returns the SQLSTATE of the report.
func (ed *ErrorData) SQLState() string {
	return ed.Code
}

// ServerError is an error that carries a pre-built ErrorData losslessly. When
// a guest call fails with a ServerError the original report is re-raised with
// full fidelity instead of being re-wrapped generically.
type ServerError struct {
	Data *ErrorData
}

func (e *ServerError) Error() string {
	return e.Data.Error()
}

func (e *ServerError) SQLState() string {
	return e.Data.Code
}

// New builds an ERROR-severity report.
func New(code, message string) *ErrorData {
	return &ErrorData{Severity: ErrorLevel, Code: code, Message: message}
}

// Newf builds an ERROR-severity report with a formatted message.
func Newf(code, format string, args ...any) *ErrorData {
	return New(code, fmt.Sprintf(format, args...))
}

// Internal builds an internal-error-class report. Used for protocol
// violations, where the bridge's own invariants have been broken.
func Internal(format string, args ...any) *ErrorData {
	return Newf(InternalErrorCode, format, args...)
}

// AsServerError unwraps err to a *ServerError if one is anywhere in its chain.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// FromError converts an arbitrary error into an ErrorData. A ServerError in
// the chain is unwrapped losslessly. Any other error becomes a best-effort
// external-routine report: the error's type name and message, and the
// SQLSTATE it carries if it implements SQLState().
func FromError(err error) *ErrorData {
	if se, ok := AsServerError(err); ok {
		return se.Data
	}

	code := ExternalRoutineExceptionCode
	var sq interface{ SQLState() string }
	if errors.As(err, &sq) && sq.SQLState() != "" {
		code = sq.SQLState()
	}

	return &ErrorData{
		Severity: ErrorLevel,
		Code:     code,
		Message:  err.Error(),
		Detail:   fmt.Sprintf("%T", err),
	}
}
