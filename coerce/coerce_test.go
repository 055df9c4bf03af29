package coerce_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/apd"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/coerce"
)

func roundTrip(t *testing.T, reg *coerce.Registry, oid coerce.OID, v any) any {
	t.Helper()
	entry, err := reg.ResolveParameter(oid)
	require.NoError(t, err)

	datum, err := entry.Type.CoerceObject(reg, v)
	require.NoError(t, err)
	require.False(t, datum.Null)

	back, err := entry.Type.CoerceDatum(reg, datum)
	require.NoError(t, err)
	return back
}

func TestCodecRoundTrips(t *testing.T) {
	reg := coerce.NewDefaultRegistry()

	assert.Equal(t, true, roundTrip(t, reg, coerce.BoolOID, true))
	assert.Equal(t, false, roundTrip(t, reg, coerce.BoolOID, false))
	assert.Equal(t, []byte{0xde, 0xad}, roundTrip(t, reg, coerce.ByteaOID, []byte{0xde, 0xad}))
	assert.Equal(t, int16(-300), roundTrip(t, reg, coerce.Int2OID, int16(-300)))
	assert.Equal(t, int32(1<<30), roundTrip(t, reg, coerce.Int4OID, int32(1<<30)))
	assert.Equal(t, int64(-1<<60), roundTrip(t, reg, coerce.Int8OID, int64(-1<<60)))
	assert.Equal(t, 3.25, roundTrip(t, reg, coerce.Float8OID, 3.25))
	assert.Equal(t, "héllo", roundTrip(t, reg, coerce.TextOID, "héllo"))

	ts := time.Date(2026, 8, 27, 12, 30, 45, 123456000, time.UTC)
	assert.True(t, ts.Equal(roundTrip(t, reg, coerce.TimestampOID, ts).(time.Time)))

	d, _, err := apd.NewFromString("123456.789")
	require.NoError(t, err)
	back := roundTrip(t, reg, coerce.NumericOID, d)
	assert.Equal(t, "123456.789", back.(*apd.Decimal).String())

	u := uuid.Must(uuid.FromString("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	assert.Equal(t, u, roundTrip(t, reg, coerce.UUIDOID, u))
}

func TestNullHandling(t *testing.T) {
	reg := coerce.NewDefaultRegistry()
	entry, err := reg.ResolveParameter(coerce.TextOID)
	require.NoError(t, err)

	v, err := entry.Type.CoerceDatum(reg, coerce.NullDatum)
	require.NoError(t, err)
	assert.Nil(t, v)

	datum, err := entry.Type.CoerceObject(reg, nil)
	require.NoError(t, err)
	assert.True(t, datum.Null)
}

func TestIntegerRangeChecks(t *testing.T) {
	reg := coerce.NewDefaultRegistry()

	_, err := coerce.Int2Codec{}.CoerceObject(reg, 40000)
	assert.Error(t, err)

	_, err = coerce.Int4Codec{}.CoerceObject(reg, int64(1)<<40)
	assert.Error(t, err)

	_, err = coerce.Int2Codec{}.CoerceObject(reg, "not a number")
	assert.Error(t, err)
}

func TestTimestampEpochEncoding(t *testing.T) {
	reg := coerce.NewDefaultRegistry()

	// The PostgreSQL timestamp epoch encodes as zero microseconds.
	y2k := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	datum, err := coerce.TimestampCodec{}.CoerceObject(reg, y2k)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, datum.Bytes)
}

func TestSubstitutableParameterResolution(t *testing.T) {
	reg := coerce.NewDefaultRegistry()

	// varchar and timestamptz have no direct registration; the text and
	// timestamp codecs declare themselves substitutable.
	entry, err := reg.ResolveParameter(coerce.VarcharOID)
	require.NoError(t, err)
	assert.IsType(t, coerce.TextCodec{}, entry.Type)

	entry, err = reg.ResolveParameter(coerce.TimestamptzOID)
	require.NoError(t, err)
	assert.IsType(t, coerce.TimestampCodec{}, entry.Type)

	_, err = reg.ResolveParameter(coerce.OID(600)) // point
	assert.Error(t, err)
}

func TestExactRegistrationWinsOverSubstitution(t *testing.T) {
	reg := coerce.NewDefaultRegistry()

	// int8 can replace int2, but int2 has its own registration.
	entry, err := reg.ResolveParameter(coerce.Int2OID)
	require.NoError(t, err)
	assert.IsType(t, coerce.Int2Codec{}, entry.Type)
}

func TestRegistryLookups(t *testing.T) {
	reg := coerce.NewDefaultRegistry()

	entry, ok := reg.TypeForName("int4")
	require.True(t, ok)
	assert.Equal(t, coerce.Int4OID, entry.OID)

	entry, ok = reg.TypeForClass("java.lang.String")
	require.True(t, ok)
	assert.Equal(t, coerce.TextOID, entry.OID)

	entry, ok = reg.TypeForValue(int64(7))
	require.True(t, ok)
	assert.Equal(t, coerce.Int8OID, entry.OID)

	_, ok = reg.TypeForValue(nil)
	assert.False(t, ok)

	_, ok = reg.TypeForClass("java.awt.Point")
	assert.False(t, ok)
}

func TestUUIDCoercionForms(t *testing.T) {
	reg := coerce.NewDefaultRegistry()
	u := uuid.Must(uuid.NewV4())

	fromString, err := coerce.UUIDCodec{}.CoerceObject(reg, u.String())
	require.NoError(t, err)
	assert.Equal(t, u.Bytes(), fromString.Bytes)

	var raw [16]byte
	copy(raw[:], u.Bytes())
	fromArray, err := coerce.UUIDCodec{}.CoerceObject(reg, raw)
	require.NoError(t, err)
	assert.Equal(t, u.Bytes(), fromArray.Bytes)

	_, err = coerce.UUIDCodec{}.CoerceObject(reg, "not a uuid")
	assert.Error(t, err)
}
