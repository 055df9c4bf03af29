// Package fncache resolves PostgreSQL function OIDs to cached descriptors of
// the coercions and guest method handle each call needs.
package fncache

import (
	"github.com/pgbridge/pgbridge/coerce"
	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/guest"
)

// UDTVariant distinguishes the I/O support functions of a user-defined type
// from ordinary functions.
type UDTVariant int

const (
	NotUDT UDTVariant = iota
	UDTInput
	UDTOutput
	UDTReceive
	UDTSend
)

// Function is the cached, per-OID resolution result. Once cached it is reused
// across calls until invalidated; a descriptor currently on the call stack is
// never freed out from under the active call.
type Function struct {
	oid  uint32
	name string

	// Readonly is derived from the SQL function's volatility: immutable and
	// stable functions must not write.
	Readonly bool

	Variant UDTVariant
	Params  []*coerce.Entry
	Return  *coerce.Entry
	Method  guest.Method

	// loader is the initiating classloader reference, held weakly in the
	// sense that invalidation drops it without notice.
	loader any
}

func (f *Function) OID() uint32  { return f.oid }
func (f *Function) Name() string { return f.name }

// IsUDT reports whether f is a user-defined-type support function.
func (f *Function) IsUDT() bool { return f.Variant != NotUDT }

// SetLoader records the initiating loader reference.
func (f *Function) SetLoader(loader any) { f.loader = loader }

// Loader returns the initiating loader reference.
func (f *Function) Loader() any { return f.loader }

// CatalogEntry is what the system catalog reports about one function.
type CatalogEntry struct {
	OID        uint32
	Name       string
	Volatility byte // 'i', 's', or 'v'
	ParamOIDs  []coerce.OID
	ReturnOID  coerce.OID
	Class      string
	MethodName string
	Signature  string
	Variant    UDTVariant
}

// CatalogReader looks up function definitions. The backend supplies the real
// catalog; tests supply fakes.
type CatalogReader interface {
	LookupFunction(oid uint32) (*CatalogEntry, error)
}

// Resolver builds descriptors on first use.
type Resolver struct {
	catalog CatalogReader
	types   *coerce.Registry
	runtime guest.Runtime
}

// NewResolver creates a resolver over the given catalog, coercion registry,
// and guest runtime.
func NewResolver(catalog CatalogReader, types *coerce.Registry, runtime guest.Runtime) *Resolver {
	return &Resolver{catalog: catalog, types: types, runtime: runtime}
}

// Resolve builds the descriptor for oid.
func (r *Resolver) Resolve(oid uint32) (*Function, error) {
	entry, err := r.catalog.LookupFunction(oid)
	if err != nil {
		return nil, &elog.ServerError{Data: elog.Newf(elog.UndefinedFunctionCode,
			"function with OID %d does not exist: %v", oid, err)}
	}

	f := &Function{
		oid:      oid,
		name:     entry.Name,
		Readonly: entry.Volatility != 'v',
		Variant:  entry.Variant,
	}

	f.Params = make([]*coerce.Entry, len(entry.ParamOIDs))
	for i, paramOID := range entry.ParamOIDs {
		te, err := r.types.ResolveParameter(paramOID)
		if err != nil {
			return nil, &elog.ServerError{Data: elog.Newf(elog.FeatureNotSupportedCode,
				"cannot pass parameter %d of function %s: %v", i+1, entry.Name, err)}
		}
		f.Params[i] = te
	}

	if entry.ReturnOID != 0 {
		te, err := r.types.ResolveParameter(entry.ReturnOID)
		if err != nil {
			return nil, &elog.ServerError{Data: elog.Newf(elog.FeatureNotSupportedCode,
				"cannot return type of function %s: %v", entry.Name, err)}
		}
		f.Return = te
	}

	m, err := r.runtime.Resolve(entry.Class, entry.MethodName, entry.Signature)
	if err != nil {
		return nil, &elog.ServerError{Data: elog.Newf(elog.UndefinedFunctionCode,
			"cannot resolve guest method for function %s: %v", entry.Name, err)}
	}
	f.Method = m

	// The resolving class identifies the initiating loader; calls made through
	// this descriptor run with that loader active on their frame.
	f.SetLoader(entry.Class)

	return f, nil
}
