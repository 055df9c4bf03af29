package coerce

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/cockroachdb/apd"
	"github.com/gofrs/uuid"
	"github.com/jackc/pgio"
)

func registerDefaults(r *Registry) {
	r.RegisterType(Entry{Type: BoolCodec{}, Name: "bool", OID: BoolOID, ClassName: "java.lang.Boolean", GoType: reflect.TypeOf(false)})
	r.RegisterType(Entry{Type: ByteaCodec{}, Name: "bytea", OID: ByteaOID, ClassName: "[B", GoType: reflect.TypeOf([]byte(nil))})
	r.RegisterType(Entry{Type: Int2Codec{}, Name: "int2", OID: Int2OID, ClassName: "java.lang.Short", GoType: reflect.TypeOf(int16(0))})
	r.RegisterType(Entry{Type: Int4Codec{}, Name: "int4", OID: Int4OID, ClassName: "java.lang.Integer", GoType: reflect.TypeOf(int32(0))})
	r.RegisterType(Entry{Type: Int8Codec{}, Name: "int8", OID: Int8OID, ClassName: "java.lang.Long", GoType: reflect.TypeOf(int64(0))})
	r.RegisterType(Entry{Type: Float8Codec{}, Name: "float8", OID: Float8OID, ClassName: "java.lang.Double", GoType: reflect.TypeOf(float64(0))})
	r.RegisterType(Entry{Type: TextCodec{}, Name: "text", OID: TextOID, ClassName: "java.lang.String", GoType: reflect.TypeOf("")})
	r.RegisterType(Entry{Type: TimestampCodec{}, Name: "timestamp", OID: TimestampOID, ClassName: "java.sql.Timestamp", GoType: reflect.TypeOf(time.Time{})})
	r.RegisterType(Entry{Type: NumericCodec{}, Name: "numeric", OID: NumericOID, ClassName: "java.math.BigDecimal", GoType: reflect.TypeOf((*apd.Decimal)(nil))})
	r.RegisterType(Entry{Type: UUIDCodec{}, Name: "uuid", OID: UUIDOID, ClassName: "java.util.UUID", GoType: reflect.TypeOf(uuid.UUID{})})
}

// BoolCodec coerces bool.
type BoolCodec struct{}

func (BoolCodec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	if len(src.Bytes) != 1 {
		return nil, fmt.Errorf("invalid length for bool: %d", len(src.Bytes))
	}
	return src.Bytes[0] == 1, nil
}

func (BoolCodec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	b, ok := v.(bool)
	if !ok {
		return NullDatum, fmt.Errorf("cannot coerce %T to bool", v)
	}
	if b {
		return Datum{Bytes: []byte{1}}, nil
	}
	return Datum{Bytes: []byte{0}}, nil
}

// ByteaCodec coerces raw byte strings.
type ByteaCodec struct{}

func (ByteaCodec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	out := make([]byte, len(src.Bytes))
	copy(out, src.Bytes)
	return out, nil
}

func (ByteaCodec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return NullDatum, fmt.Errorf("cannot coerce %T to bytea", v)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return Datum{Bytes: out}, nil
}

// Int2Codec coerces int16.
type Int2Codec struct{}

func (Int2Codec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	if len(src.Bytes) != 2 {
		return nil, fmt.Errorf("invalid length for int2: %d", len(src.Bytes))
	}
	return int16(binary.BigEndian.Uint16(src.Bytes)), nil
}

func (Int2Codec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return NullDatum, err
	}
	if n > math.MaxInt16 || n < math.MinInt16 {
		return NullDatum, fmt.Errorf("%d is out of range for int2", n)
	}
	return Datum{Bytes: pgio.AppendInt16(nil, int16(n))}, nil
}

// Int4Codec coerces int32.
type Int4Codec struct{}

func (Int4Codec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	if len(src.Bytes) != 4 {
		return nil, fmt.Errorf("invalid length for int4: %d", len(src.Bytes))
	}
	return int32(binary.BigEndian.Uint32(src.Bytes)), nil
}

func (Int4Codec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return NullDatum, err
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return NullDatum, fmt.Errorf("%d is out of range for int4", n)
	}
	return Datum{Bytes: pgio.AppendInt32(nil, int32(n))}, nil
}

// Int8Codec coerces int64. It can stand in for the narrower integer types
// when resolving polymorphic parameters.
type Int8Codec struct{}

func (Int8Codec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	if len(src.Bytes) != 8 {
		return nil, fmt.Errorf("invalid length for int8: %d", len(src.Bytes))
	}
	return int64(binary.BigEndian.Uint64(src.Bytes)), nil
}

func (Int8Codec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return NullDatum, err
	}
	return Datum{Bytes: pgio.AppendInt64(nil, n)}, nil
}

func (Int8Codec) CanReplaceType(oid OID) bool {
	return oid == Int2OID || oid == Int4OID
}

// Float8Codec coerces float64.
type Float8Codec struct{}

func (Float8Codec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	if len(src.Bytes) != 8 {
		return nil, fmt.Errorf("invalid length for float8: %d", len(src.Bytes))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(src.Bytes)), nil
}

func (Float8Codec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	f, ok := v.(float64)
	if !ok {
		return NullDatum, fmt.Errorf("cannot coerce %T to float8", v)
	}
	return Datum{Bytes: pgio.AppendUint64(nil, math.Float64bits(f))}, nil
}

// TextCodec coerces strings. It can stand in for varchar.
type TextCodec struct{}

func (TextCodec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	return string(src.Bytes), nil
}

func (TextCodec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	s, ok := v.(string)
	if !ok {
		return NullDatum, fmt.Errorf("cannot coerce %T to text", v)
	}
	return Datum{Bytes: []byte(s)}, nil
}

func (TextCodec) CanReplaceType(oid OID) bool {
	return oid == VarcharOID
}

// microsecFromUnixEpochToY2K is the PostgreSQL timestamp epoch offset.
const microsecFromUnixEpochToY2K = 946684800 * 1000000

// TimestampCodec coerces time.Time using the microseconds-since-2000 binary
// representation. It can stand in for timestamptz.
type TimestampCodec struct{}

func (TimestampCodec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	if len(src.Bytes) != 8 {
		return nil, fmt.Errorf("invalid length for timestamp: %d", len(src.Bytes))
	}
	usec := int64(binary.BigEndian.Uint64(src.Bytes)) + microsecFromUnixEpochToY2K
	return time.Unix(usec/1000000, (usec%1000000)*1000).UTC(), nil
}

func (TimestampCodec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	t, ok := v.(time.Time)
	if !ok {
		return NullDatum, fmt.Errorf("cannot coerce %T to timestamp", v)
	}
	usec := t.Unix()*1000000 + int64(t.Nanosecond())/1000 - microsecFromUnixEpochToY2K
	return Datum{Bytes: pgio.AppendInt64(nil, usec)}, nil
}

func (TimestampCodec) CanReplaceType(oid OID) bool {
	return oid == TimestamptzOID
}

// NumericCodec coerces arbitrary-precision decimals. The datum carries the
// text representation; exact binary numeric encoding is left to the full type
// catalog.
type NumericCodec struct{}

func (NumericCodec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	d, _, err := apd.NewFromString(string(src.Bytes))
	if err != nil {
		return nil, fmt.Errorf("cannot parse numeric %q: %v", src.Bytes, err)
	}
	return d, nil
}

func (NumericCodec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	switch d := v.(type) {
	case *apd.Decimal:
		return Datum{Bytes: []byte(d.String())}, nil
	case string:
		if _, _, err := apd.NewFromString(d); err != nil {
			return NullDatum, err
		}
		return Datum{Bytes: []byte(d)}, nil
	default:
		return NullDatum, fmt.Errorf("cannot coerce %T to numeric", v)
	}
}

// UUIDCodec coerces UUIDs using the 16-byte binary representation.
type UUIDCodec struct{}

func (UUIDCodec) CoerceDatum(reg *Registry, src Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	u, err := uuid.FromBytes(src.Bytes)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (UUIDCodec) CoerceObject(reg *Registry, v any) (Datum, error) {
	if v == nil {
		return NullDatum, nil
	}
	switch u := v.(type) {
	case uuid.UUID:
		return Datum{Bytes: u.Bytes()}, nil
	case [16]byte:
		return Datum{Bytes: append([]byte(nil), u[:]...)}, nil
	case string:
		parsed, err := uuid.FromString(u)
		if err != nil {
			return NullDatum, err
		}
		return Datum{Bytes: parsed.Bytes()}, nil
	default:
		return NullDatum, fmt.Errorf("cannot coerce %T to uuid", v)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to an integer", v)
	}
}
