// Package coerce converts PostgreSQL datums to guest values and back. The
// bridge core only consumes the Type contract; the registry maps a type OID
// (or a guest class name) to the strategy that implements it.
package coerce

import (
	"fmt"
	"reflect"
)

// OID identifies a PostgreSQL type.
type OID uint32

// OIDs for the types the reference codecs cover.
const (
	BoolOID        OID = 16
	ByteaOID       OID = 17
	Int8OID        OID = 20
	Int2OID        OID = 21
	Int4OID        OID = 23
	TextOID        OID = 25
	Float8OID      OID = 701
	VarcharOID     OID = 1043
	TimestampOID   OID = 1114
	TimestamptzOID OID = 1184
	NumericOID     OID = 1700
	UUIDOID        OID = 2950
)

// Datum is a value in PostgreSQL binary wire format, plus the null flag.
type Datum struct {
	Bytes []byte
	Null  bool
}

// NullDatum is the SQL NULL datum.
var NullDatum = Datum{Null: true}

// Type is one coercion strategy: a pair of conversions between a datum and a
// guest value.
type Type interface {
	// CoerceDatum converts a datum to a guest value. A null datum converts to
	// nil.
	CoerceDatum(reg *Registry, src Datum) (any, error)

	// CoerceObject converts a guest value back to a datum. nil converts to
	// the null datum.
	CoerceObject(reg *Registry, v any) (Datum, error)
}

// TypeReplacer is optionally implemented by a Type that can stand in for
// another type when resolving ambiguous or polymorphic parameters.
type TypeReplacer interface {
	CanReplaceType(oid OID) bool
}

// Entry is one registered type.
type Entry struct {
	Type      Type
	Name      string
	OID       OID
	ClassName string
	GoType    reflect.Type
}

// Registry maps type OIDs and guest class names to coercion strategies.
type Registry struct {
	oidToEntry   map[OID]*Entry
	nameToEntry  map[string]*Entry
	classToEntry map[string]*Entry
	goTypeToOID  map[reflect.Type]OID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		oidToEntry:   make(map[OID]*Entry, 64),
		nameToEntry:  make(map[string]*Entry, 64),
		classToEntry: make(map[string]*Entry, 64),
		goTypeToOID:  make(map[reflect.Type]OID, 64),
	}
}

// NewDefaultRegistry creates a registry with the reference codecs installed.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	registerDefaults(r)
	return r
}

// RegisterType installs e, replacing any earlier registration for the same
// OID or class name.
func (r *Registry) RegisterType(e Entry) {
	entry := e
	r.oidToEntry[entry.OID] = &entry
	if entry.Name != "" {
		r.nameToEntry[entry.Name] = &entry
	}
	if entry.ClassName != "" {
		r.classToEntry[entry.ClassName] = &entry
	}
	if entry.GoType != nil {
		r.goTypeToOID[entry.GoType] = entry.OID
	}
}

// TypeForOID returns the registered entry for oid.
func (r *Registry) TypeForOID(oid OID) (*Entry, bool) {
	e, ok := r.oidToEntry[oid]
	return e, ok
}

// TypeForName returns the registered entry for a SQL type name.
func (r *Registry) TypeForName(name string) (*Entry, bool) {
	e, ok := r.nameToEntry[name]
	return e, ok
}

// TypeForClass returns the registered entry for a guest class name.
func (r *Registry) TypeForClass(class string) (*Entry, bool) {
	e, ok := r.classToEntry[class]
	return e, ok
}

// TypeForValue returns the registered entry whose Go representation matches v.
func (r *Registry) TypeForValue(v any) (*Entry, bool) {
	if v == nil {
		return nil, false
	}
	oid, ok := r.goTypeToOID[reflect.TypeOf(v)]
	if !ok {
		return nil, false
	}
	return r.TypeForOID(oid)
}

// ResolveParameter finds the coercion for a declared parameter OID. When no
// exact registration exists, any registered type that declares itself
// substitutable for the OID is used instead.
func (r *Registry) ResolveParameter(oid OID) (*Entry, error) {
	if e, ok := r.oidToEntry[oid]; ok {
		return e, nil
	}
	for _, e := range r.oidToEntry {
		if tr, ok := e.Type.(TypeReplacer); ok && tr.CanReplaceType(oid) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no coercion registered for type OID %d", oid)
}
