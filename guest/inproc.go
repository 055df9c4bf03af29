package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// InProcVersion is the reference runtime's version string.
const InProcVersion = "1.2.0"

var errRuntimeStopped = errors.New("guest runtime has been shut down")

// InProc is the reference in-process runtime. Methods are Go functions
// registered under class/method/signature keys. Registration may happen from
// guest worker goroutines while the backend thread resolves, so the table is
// a concurrent map.
type InProc struct {
	methods *xsync.MapOf[string, Func]

	mu      sync.Mutex
	stopped bool
	workers sync.WaitGroup

	// ShutdownDelay artificially delays Shutdown; tests use it to exercise
	// the lifecycle manager's bounded wait.
	ShutdownDelay time.Duration
}

// NewInProc creates an empty reference runtime.
func NewInProc() *InProc {
	return &InProc{methods: xsync.NewMapOf[string, Func]()}
}

func (r *InProc) Name() string    { return "inproc" }
func (r *InProc) Version() string { return InProcVersion }

// Register binds fn to a method key. Safe to call from any goroutine.
func (r *InProc) Register(class, name, signature string, fn Func) Method {
	m := Method{Class: class, Name: name, Signature: signature}
	r.methods.Store(m.String(), fn)
	return m
}

// Resolve looks up a registered method.
func (r *InProc) Resolve(class, name, signature string) (Method, error) {
	m := Method{Class: class, Name: name, Signature: signature}
	if _, ok := r.methods.Load(m.String()); !ok {
		return Method{}, fmt.Errorf("unresolved guest method %s", m)
	}
	return m, nil
}

// Call invokes a resolved method on the calling goroutine.
func (r *InProc) Call(m Method, args []any) (any, error) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return nil, errRuntimeStopped
	}

	fn, ok := r.methods.Load(m.String())
	if !ok {
		return nil, fmt.Errorf("unresolved guest method %s", m)
	}
	return fn(args)
}

// Spawn runs fn on a guest worker goroutine, the runtime's own thread model.
func (r *InProc) Spawn(fn func()) {
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		fn()
	}()
}

// Shutdown stops the runtime, waiting for guest workers to finish. The wait
// honors ctx; an expired deadline abandons it.
func (r *InProc) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	delay := r.ShutdownDelay
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		r.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
