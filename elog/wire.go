package elog

import (
	"fmt"

	"github.com/jackc/pgproto3/v2"
)

// MarshalWire appends ed to buf in the PostgreSQL protocol ErrorResponse
// format ('E' message). A report delivered this way is byte-identical to one
// the server itself would have produced.
func (ed *ErrorData) MarshalWire(buf []byte) ([]byte, error) {
	msg := pgproto3.ErrorResponse{
		Severity:            ed.Severity.String(),
		SeverityUnlocalized: ed.Severity.String(),
		Code:                ed.Code,
		Message:             ed.Message,
		Detail:              ed.Detail,
		Hint:                ed.Hint,
		Position:            ed.Position,
		InternalPosition:    ed.InternalPosition,
		InternalQuery:       ed.InternalQuery,
		Where:               ed.Where,
		SchemaName:          ed.SchemaName,
		TableName:           ed.TableName,
		ColumnName:          ed.ColumnName,
		DataTypeName:        ed.DataTypeName,
		ConstraintName:      ed.ConstraintName,
		File:                ed.File,
		Line:                ed.Line,
		Routine:             ed.Routine,
	}
	out, err := msg.Encode(buf)
	if err != nil {
		return nil, fmt.Errorf("cannot encode error report: %w", err)
	}
	return out, nil
}

// ParseWire parses a complete ErrorResponse message produced by MarshalWire
// (or by a PostgreSQL server) back into an ErrorData.
func ParseWire(buf []byte) (*ErrorData, error) {
	if len(buf) < 5 || buf[0] != 'E' {
		return nil, fmt.Errorf("malformed error message: %d bytes", len(buf))
	}

	var msg pgproto3.ErrorResponse
	if err := msg.Decode(buf[5:]); err != nil {
		return nil, err
	}

	return &ErrorData{
		Severity:         severityFromString(msg.Severity),
		Code:             msg.Code,
		Message:          msg.Message,
		Detail:           msg.Detail,
		Hint:             msg.Hint,
		Position:         msg.Position,
		InternalPosition: msg.InternalPosition,
		InternalQuery:    msg.InternalQuery,
		Where:            msg.Where,
		SchemaName:       msg.SchemaName,
		TableName:        msg.TableName,
		ColumnName:       msg.ColumnName,
		DataTypeName:     msg.DataTypeName,
		ConstraintName:   msg.ConstraintName,
		File:             msg.File,
		Line:             msg.Line,
		Routine:          msg.Routine,
	}, nil
}

func severityFromString(s string) Severity {
	switch s {
	case "DEBUG":
		return Debug1
	case "LOG":
		return Log
	case "INFO":
		return Info
	case "NOTICE":
		return Notice
	case "WARNING":
		return Warning
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return Fatal
	case "PANIC":
		return Panic
	default:
		return ErrorLevel
	}
}
