package dualstate

import (
	"fmt"

	"github.com/pgbridge/pgbridge/pgmem"
)

// Release strategies for the resource kinds the bridge itself owns. Modules
// that expose their own resource kinds register exactly one strategy per kind
// at init time, before any instance is wrapped.

// ReleaseAllocation frees a single pgmem allocation.
func ReleaseAllocation(resource any) error {
	a, ok := resource.(*pgmem.Allocation)
	if !ok {
		return fmt.Errorf("release strategy mismatch: want *pgmem.Allocation, have %T", resource)
	}
	return a.Free()
}

// ReleaseContext deletes an entire memory context.
func ReleaseContext(resource any) error {
	ctx, ok := resource.(*pgmem.Context)
	if !ok {
		return fmt.Errorf("release strategy mismatch: want *pgmem.Context, have %T", resource)
	}
	ctx.Delete()
	return nil
}

// Tuple is one row materialized out of executor storage for guest access.
type Tuple struct {
	Values []any
	Alloc  *pgmem.Allocation
}

// ReleaseTuple frees a materialized row.
func ReleaseTuple(resource any) error {
	tup, ok := resource.(*Tuple)
	if !ok {
		return fmt.Errorf("release strategy mismatch: want *Tuple, have %T", resource)
	}
	tup.Values = nil
	return tup.Alloc.Free()
}

// TupleDesc is a row-shape descriptor copied out of the executor.
type TupleDesc struct {
	Columns int
	Alloc   *pgmem.Allocation
}

// ReleaseTupleDesc frees a row-shape descriptor.
func ReleaseTupleDesc(resource any) error {
	td, ok := resource.(*TupleDesc)
	if !ok {
		return fmt.Errorf("release strategy mismatch: want *TupleDesc, have %T", resource)
	}
	return td.Alloc.Free()
}

// TupleTable holds the rows a portal has materialized, in their own context.
type TupleTable struct {
	Tuples []*Tuple
	Ctx    *pgmem.Context
}

// ReleaseTupleTable drops a tuple table with everything allocated in it.
func ReleaseTupleTable(resource any) error {
	tt, ok := resource.(*TupleTable)
	if !ok {
		return fmt.Errorf("release strategy mismatch: want *TupleTable, have %T", resource)
	}
	tt.Tuples = nil
	tt.Ctx.Delete()
	return nil
}

// ReleaseGlobalRef drops a guest global reference holding a boxed value.
func ReleaseGlobalRef(resource any) error {
	ref, ok := resource.(*GlobalRef)
	if !ok {
		return fmt.Errorf("release strategy mismatch: want *GlobalRef, have %T", resource)
	}
	ref.Value = nil
	return nil
}

// GlobalRef boxes a guest value kept alive on behalf of native code.
type GlobalRef struct {
	Value any
}

// Conditional wraps a strategy with a skip predicate evaluated at release
// time. Used for cursor close, which must be skipped when the enclosing call
// has already errored or teardown is running inside an expression-context
// callback.
func Conditional(release ReleaseFunc, skip func() bool) ReleaseFunc {
	return func(resource any) error {
		if skip() {
			return nil
		}
		return release(resource)
	}
}

// Counting wraps a strategy and counts how many times it actually runs.
// Intended for tests that assert the at-most-once release property.
func Counting(release ReleaseFunc, counter *int) ReleaseFunc {
	return func(resource any) error {
		*counter++
		if release == nil {
			return nil
		}
		return release(resource)
	}
}
