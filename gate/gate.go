// Package gate serializes crossings of the native/guest boundary. The backend
// process has a single logical thread of control; at any instant it is either
// in native code or in guest code, and the gate's monitor is what other guest
// threads contend on when they want native access.
//
// Thread identity is a capability: the primordial token is minted when the
// gate is created, and guest threads carry their own tokens. There is no
// goroutine-ID inspection; a caller without the right token simply cannot
// present it.
package gate

import (
	"sync"
	"sync/atomic"

	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/invoke"
)

// Policy controls how strictly threads other than the primordial one are
// fenced out. The two flags are independent:
//
//	RefuseOtherThreads  a non-primordial thread attempting native entry gets
//	                    a protocol error instead of being admitted
//	MonitorOps          the monitor really is released and reacquired around
//	                    every outgoing guest call; a deployment that
//	                    guarantees single-threaded access can skip the
//	                    monitor operations entirely
type Policy struct {
	RefuseOtherThreads bool
	MonitorOps         bool
}

// ParsePolicy maps the historical policy names onto the two flags.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "allow":
		return Policy{RefuseOtherThreads: false, MonitorOps: true}, nil
	case "error", "throw":
		return Policy{RefuseOtherThreads: true, MonitorOps: true}, nil
	case "block":
		return Policy{RefuseOtherThreads: false, MonitorOps: false}, nil
	default:
		return Policy{}, elog.Newf(elog.InvalidParameterValueCode, "unknown thread policy %q", name)
	}
}

// ThreadToken identifies one thread of execution to the gate. Tokens compare
// by identity.
type ThreadToken struct {
	name       string
	primordial bool
}

// Name returns the token's diagnostic name.
func (t *ThreadToken) Name() string { return t.name }

// LogFunc receives the gate's diagnostics.
type LogFunc func(sev elog.Severity, msg string, data map[string]any)

// Gate is the mutual-exclusion discipline for one backend.
type Gate struct {
	policy Policy
	stack  *invoke.Stack
	main   *ThreadToken
	log    LogFunc

	// monitor is held whenever native code is live. New locks it; CallGuest
	// releases it for the span of an outgoing call when MonitorOps is set.
	monitor sync.Mutex

	// guestDepth counts outgoing guest calls in flight. Guest re-entry into
	// native code is a protocol violation unless it is above zero.
	guestDepth atomic.Int32
}

// New creates a gate over the given invocation stack. The monitor starts
// held: native code is live until the first outgoing call.
func New(stack *invoke.Stack, policy Policy, log LogFunc) *Gate {
	g := &Gate{
		policy: policy,
		stack:  stack,
		main:   &ThreadToken{name: "main", primordial: true},
		log:    log,
	}
	g.monitor.Lock()
	return g
}

// MainToken returns the primordial thread's token.
func (g *Gate) MainToken() *ThreadToken { return g.main }

// NewToken mints a token for a guest-created thread.
func (g *Gate) NewToken(name string) *ThreadToken {
	return &ThreadToken{name: name}
}

// SetThreadPolicy reconfigures the gate. Only safe while native code is live
// and no guest call is in flight.
func (g *Gate) SetThreadPolicy(p Policy) {
	g.policy = p
}

// CallGuest wraps one native-to-guest call. It verifies an invocation frame
// is active and carries no error, releases the monitor per policy for the
// span of the call, and checks the guest's error state immediately after the
// call returns.
func (g *Gate) CallGuest(fn func() error) error {
	if err := g.checkEntry(); err != nil {
		return err
	}

	g.guestDepth.Add(1)
	if g.policy.MonitorOps {
		g.monitor.Unlock()
	}

	err := fn()

	if g.policy.MonitorOps {
		g.monitor.Lock()
	}
	g.guestDepth.Add(-1)

	return g.capture(err)
}

// CallGuestLocked wraps a known-lightweight guest call that cannot plausibly
// re-enter native code or block. It performs the entry and exception checks
// but keeps the monitor held.
func (g *Gate) CallGuestLocked(fn func() error) error {
	if err := g.checkEntry(); err != nil {
		return err
	}

	g.guestDepth.Add(1)
	err := fn()
	g.guestDepth.Add(-1)

	return g.capture(err)
}

// EnterNative guards one guest-to-native call. On success the returned leave
// function must run when the native work is done. It fails when no outgoing
// guest call is in flight (re-entry from a thread that was never called), or
// when policy refuses the presenting token.
func (g *Gate) EnterNative(tok *ThreadToken) (leave func(), err error) {
	if g.guestDepth.Load() == 0 {
		return nil, &elog.ServerError{Data: elog.Internal(
			"guest thread %q entered native code with no outgoing call in flight", tok.name)}
	}

	if !tok.primordial && g.policy.RefuseOtherThreads {
		return nil, &elog.ServerError{Data: elog.Internal(
			"thread policy forbids guest thread %q from entering native code", tok.name)}
	}

	if g.policy.MonitorOps {
		g.monitor.Lock()
		return g.monitor.Unlock, nil
	}

	if tok.primordial {
		return func() {}, nil
	}

	// Without monitor ops the monitor is never released, so a non-primordial
	// thread parks here until the backend exits. That is the configured
	// behavior under policy "block": visible to diagnostic tools as a blocked
	// thread, not an error.
	g.monitor.Lock()
	return g.monitor.Unlock, nil
}

func (g *Gate) checkEntry() error {
	frame := g.stack.Current()
	if frame == nil {
		return &elog.ServerError{Data: elog.Internal(
			"attempt to enter guest code with no active invocation")}
	}
	if frame.ErrorOccurred {
		return &elog.ServerError{Data: elog.Internal(
			"attempt to enter guest code after an unrecovered error; transaction state is unknown")}
	}
	return nil
}

// capture converts the guest's error state after a call. A ServerError below
// ERROR severity is logged and cleared; anything at ERROR or above marks the
// current frame errored and propagates losslessly.
func (g *Gate) capture(err error) error {
	if err == nil {
		return nil
	}

	if se, ok := elog.AsServerError(err); ok && se.Data.Severity < elog.ErrorLevel {
		if g.log != nil {
			g.log(se.Data.Severity, se.Data.Message, map[string]any{"sqlstate": se.Data.Code})
		}
		return nil
	}

	g.stack.SetPendingError(err)

	if se, ok := elog.AsServerError(err); ok {
		return se
	}
	return &elog.ServerError{Data: elog.FromError(err)}
}
