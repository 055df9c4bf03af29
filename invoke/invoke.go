// Package invoke maintains the stack of per-call frames the bridge pushes
// around every crossing of the native/guest boundary. Frames nest strictly:
// a guest function that re-enters SQL pushes a new frame on top of its
// caller's, and every resource a frame acquires is released at its own pop,
// however the frame exits.
package invoke

import (
	"context"

	"github.com/jackc/puddle"

	"github.com/pgbridge/pgbridge/dualstate"
	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/pgmem"
)

// localRefCap is the size of the scoped reference area opened per frame.
// Generous for ordinary calls; a guest method that needs more roots its own
// values.
const localRefCap = 64

// scratchPoolSize bounds how many reference areas exist at once, which also
// bounds invocation nesting depth.
const scratchPoolSize = 128

// Routine is the resolved callable a frame is executing. The concrete type
// lives in the function cache; the stack only needs identity and a name for
// diagnostics.
type Routine interface {
	Name() string
	OID() uint32
}

// TriggerData carries trigger-specific call context. Nil for ordinary calls.
type TriggerData struct {
	Relation string
	Event    string
	Row      any
}

// FrameProxy is the guest-side object representing an invocation, notified of
// exit status before the frame drops its reference.
type FrameProxy interface {
	OnExit(wasException bool)
}

// LogFunc receives the stack's diagnostics. Wired to the backend's logger.
type LogFunc func(sev elog.Severity, msg string, data map[string]any)

type refArea struct {
	refs []any
}

// Frame records the context of one boundary crossing.
type Frame struct {
	ErrorOccurred         bool
	SPIConnected          bool
	NonAtomic             bool
	InExprContextCallback bool

	Routine Routine
	Trigger *TriggerData

	stack        *Stack
	level        int
	boot         bool
	upperContext *pgmem.Context
	callContext  *pgmem.Context
	previous     *Frame
	scratch      *puddle.Resource
	savedLoader  any
	proxy        FrameProxy
	scoped       []*dualstate.State
	onPop        []func(wasException bool)
	popped       bool
}

// Level returns the frame's nesting level, 1 for a top-level call.
func (f *Frame) Level() int { return f.level }

// UpperContext returns the caller's memory context saved at push.
func (f *Frame) UpperContext() *pgmem.Context { return f.upperContext }

// CallContext returns the frame's own per-call memory context, nil for boot
// frames.
func (f *Frame) CallContext() *pgmem.Context { return f.callContext }

// Previous returns the enclosing frame, nil at top level.
func (f *Frame) Previous() *Frame { return f.previous }

// SetProxy records the guest-side object representing this invocation.
func (f *Frame) SetProxy(p FrameProxy) { f.proxy = p }

// SetLoader records the classloader reference active when the call began.
func (f *Frame) SetLoader(loader any) { f.savedLoader = loader }

// Loader returns the saved loader reference.
func (f *Frame) Loader() any { return f.savedLoader }

// KeepLocal roots v in the frame's scoped reference area so it survives until
// pop. Returns false when the area is full; the caller must then manage the
// value itself.
func (f *Frame) KeepLocal(v any) bool {
	ra := f.scratch.Value().(*refArea)
	if len(ra.refs) >= localRefCap {
		return false
	}
	ra.refs = append(ra.refs, v)
	return true
}

// AddScoped ties a wrapped resource's lifetime to exactly this frame. It is
// released at pop unless another trigger fires first.
func (f *Frame) AddScoped(s *dualstate.State) {
	f.scoped = append(f.scoped, s)
}

// OnPop registers a cleanup hook run during pop, after scoped resources are
// released. Hooks run in reverse registration order. SPI uses this for its
// auto-disconnect.
func (f *Frame) OnPop(fn func(wasException bool)) {
	f.onPop = append(f.onPop, fn)
}

// Stack is the per-backend invocation stack. It is owned by the backend's
// single logical thread of control and is never shared.
type Stack struct {
	mem     *pgmem.Manager
	ds      *dualstate.Registry
	scratch *puddle.Pool
	current *Frame
	level   int
	log     LogFunc

	// pendingErr holds a guest error captured during a call but not yet
	// handled natively. pendingReported distinguishes the first report from
	// echoes in enclosing frames.
	pendingErr      error
	pendingReported bool
}

// NewStack creates an empty stack over the given memory manager and
// dual-ownership registry.
func NewStack(mem *pgmem.Manager, ds *dualstate.Registry, log LogFunc) *Stack {
	s := &Stack{mem: mem, ds: ds, log: log}
	s.scratch = puddle.NewPool(
		func(ctx context.Context) (interface{}, error) {
			return &refArea{refs: make([]any, 0, localRefCap)}, nil
		},
		func(value interface{}) {},
		scratchPoolSize,
	)
	return s
}

// Current returns the active frame, nil when no call is in progress.
func (s *Stack) Current() *Frame { return s.current }

// Depth returns the number of pushed frames.
func (s *Stack) Depth() int { return s.level }

// Registry returns the dual-ownership registry the stack drains at pop.
func (s *Stack) Registry() *dualstate.Registry { return s.ds }

// Memory returns the stack's memory manager.
func (s *Stack) Memory() *pgmem.Manager { return s.mem }

// Push opens a new frame for an ordinary call: saves the caller's memory
// context, switches to a fresh per-call context, and opens the frame's scoped
// reference area. The caller must arrange Pop via defer.
func (s *Stack) Push() (*Frame, error) {
	res, err := s.scratch.Acquire(context.Background())
	if err != nil {
		return nil, &elog.ServerError{Data: elog.Internal("cannot open invocation reference area: %v", err)}
	}

	upper := s.mem.Current()
	callCtx := pgmem.NewContext(upper, "InvocationContext")
	s.mem.SetCurrent(callCtx)

	f := &Frame{
		stack:        s,
		level:        s.level + 1,
		upperContext: upper,
		callContext:  callCtx,
		previous:     s.current,
		scratch:      res,
	}
	s.current = f
	s.level++
	return f, nil
}

// PushBoot opens a frame for runtime startup or shutdown, before or after any
// function call is active. It records no routine, trigger, or per-call
// context; an immediate PopBoot leaves all stack state exactly as it was.
func (s *Stack) PushBoot() *Frame {
	f := &Frame{
		stack:        s,
		level:        s.level + 1,
		boot:         true,
		upperContext: s.mem.Current(),
		previous:     s.current,
	}
	s.current = f
	s.level++
	return f
}

// SetPendingError marks the current frame as errored and parks err for
// reporting at pop. Once set, no further guest entry is allowed from this
// frame: the transaction state is unknown.
func (s *Stack) SetPendingError(err error) {
	if s.current != nil {
		s.current.ErrorOccurred = true
	}
	if s.pendingErr == nil {
		s.pendingErr = err
	}
}

// PendingError returns the parked guest error, if any.
func (s *Stack) PendingError() error { return s.pendingErr }

// Pop closes the current frame. It must be the frame returned by the matching
// Push; anything else is a protocol violation. Pop runs from a defer at every
// call site, so it executes on both normal return and unwind.
func (s *Stack) Pop(f *Frame, wasException bool) {
	if f != s.current || f.popped {
		panic(elog.Internal("invocation pop out of order: level %d, current %d", f.level, s.level).Error())
	}
	f.popped = true

	if f.proxy != nil {
		f.proxy.OnExit(wasException)
		f.proxy = nil
	}

	if f.ErrorOccurred && s.pendingErr != nil && s.log != nil {
		sev := elog.Warning
		if s.pendingReported {
			sev = elog.Debug2
		}
		s.pendingReported = true
		s.log(sev, "guest exception was not handled", map[string]any{
			"err":   s.pendingErr.Error(),
			"level": f.level,
		})
	}

	for i := len(f.scoped) - 1; i >= 0; i-- {
		_ = f.scoped[i].ReleaseNative()
	}
	f.scoped = nil

	s.ds.CleanEnqueuedInstances()

	for i := len(f.onPop) - 1; i >= 0; i-- {
		f.onPop[i](wasException)
	}
	f.onPop = nil

	if f.scratch != nil {
		ra := f.scratch.Value().(*refArea)
		ra.refs = ra.refs[:0]
		f.scratch.Release()
		f.scratch = nil
	}

	s.mem.SetCurrent(f.upperContext)
	if f.callContext != nil {
		f.callContext.Delete()
	}

	s.current = f.previous
	s.level--

	// The holding slot clears only when the last frame unwinds; enclosing
	// frames re-detect the same error and report it at debug severity.
	if s.current == nil {
		s.pendingErr = nil
		s.pendingReported = false
	}
}

// PopBoot closes a boot frame.
func (s *Stack) PopBoot(f *Frame, wasException bool) {
	if !f.boot {
		panic(elog.Internal("PopBoot on a non-boot frame").Error())
	}
	s.Pop(f, wasException)
}

// SwitchToUpperContext switches the memory manager to the current frame's
// upper context and returns the previous context, so a coercion producing a
// return value can allocate it where it will outlive the per-call context and
// then switch back symmetrically.
func (s *Stack) SwitchToUpperContext() *pgmem.Context {
	if s.current == nil {
		return s.mem.Current()
	}
	return s.mem.SetCurrent(s.current.upperContext)
}

// Close releases the stack's pooled resources. Called at backend shutdown.
func (s *Stack) Close() {
	s.scratch.Close()
}
