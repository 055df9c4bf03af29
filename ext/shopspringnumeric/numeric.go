// Package shopspringnumeric provides an alternate numeric coercion built on
// github.com/shopspring/decimal, for embedders that already traffic in that
// type. Register swaps it in for the default apd-backed codec.
package shopspringnumeric

import (
	"fmt"
	"reflect"

	"github.com/pgbridge/pgbridge/coerce"
	"github.com/shopspring/decimal"
)

// Register installs the shopspring-backed numeric codec in r, replacing the
// default registration for the numeric OID.
func Register(r *coerce.Registry) {
	r.RegisterType(coerce.Entry{
		Type:      Codec{},
		Name:      "numeric",
		OID:       coerce.NumericOID,
		ClassName: "java.math.BigDecimal",
		GoType:    reflect.TypeOf(decimal.Decimal{}),
	})
}

// Codec coerces numeric datums to decimal.Decimal values. The datum carries
// the text representation, matching the default codec.
type Codec struct{}

func (Codec) CoerceDatum(reg *coerce.Registry, src coerce.Datum) (any, error) {
	if src.Null {
		return nil, nil
	}
	d, err := decimal.NewFromString(string(src.Bytes))
	if err != nil {
		return nil, fmt.Errorf("cannot parse numeric %q: %v", src.Bytes, err)
	}
	return d, nil
}

func (Codec) CoerceObject(reg *coerce.Registry, v any) (coerce.Datum, error) {
	if v == nil {
		return coerce.NullDatum, nil
	}
	switch d := v.(type) {
	case decimal.Decimal:
		return coerce.Datum{Bytes: []byte(d.String())}, nil
	case decimal.NullDecimal:
		if !d.Valid {
			return coerce.NullDatum, nil
		}
		return coerce.Datum{Bytes: []byte(d.Decimal.String())}, nil
	case string:
		if _, err := decimal.NewFromString(d); err != nil {
			return coerce.NullDatum, fmt.Errorf("cannot coerce %q to numeric: %v", d, err)
		}
		return coerce.Datum{Bytes: []byte(d)}, nil
	default:
		return coerce.NullDatum, fmt.Errorf("cannot coerce %T to numeric", v)
	}
}
