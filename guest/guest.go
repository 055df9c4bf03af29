// Package guest abstracts the embedded language runtime. The bridge core
// drives any Runtime through the same lifecycle and call discipline; the
// in-process reference runtime in this package is what the bootstrap stage
// and the tests run against.
package guest

import (
	"context"
)

// Method is a resolved guest method handle.
type Method struct {
	Class     string
	Name      string
	Signature string
}

func (m Method) String() string {
	return m.Class + "." + m.Name + m.Signature
}

// Func is the implementation bound to a method in the reference runtime.
type Func func(args []any) (any, error)

// Runtime is one embedded guest runtime instance. Exactly one exists per
// backend process.
type Runtime interface {
	// Name identifies the runtime implementation.
	Name() string

	// Version returns the runtime's semantic version.
	Version() string

	// Resolve looks up a method handle. It fails if the class or method does
	// not exist or the signature does not match.
	Resolve(class, name, signature string) (Method, error)

	// Call invokes a resolved method. Call is only made through the gate's
	// wrappers, never directly.
	Call(m Method, args []any) (any, error)

	// Shutdown stops the runtime. It respects ctx's deadline; the lifecycle
	// manager abandons the wait when the deadline passes.
	Shutdown(ctx context.Context) error
}
