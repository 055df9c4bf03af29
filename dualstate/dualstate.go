// Package dualstate tracks native resources that have been exposed to guest
// code as long-lived objects. A wrapped resource has two independent owners:
// the backend's memory-context/resource-owner machinery and the guest heap.
// Either side can trigger release, and whichever trigger fires first wins;
// every other path becomes a no-op.
//
// Guest code never sees a raw pointer. It sees a generation-checked Handle,
// so a stale handle is detected and reported instead of dereferenced.
package dualstate

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/pgmem"
)

// Handle identifies a wrapped resource to guest code. The zero Handle is
// never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

// ReleaseFunc performs the underlying free for one resource kind. It runs at
// most once per wrapped resource.
type ReleaseFunc func(resource any) error

// State is the registry's record of one wrapped resource.
type State struct {
	reg      *Registry
	handle   Handle
	resource any
	owner    *pgmem.ResourceOwner
	memCtx   *pgmem.Context
	release  ReleaseFunc
	released atomic.Bool
}

// Handle returns the guest-facing handle for the state.
func (s *State) Handle() Handle { return s.handle }

// Released reports whether the underlying resource has been freed.
func (s *State) Released() bool { return s.released.Load() }

// Resource returns the wrapped resource, or a defined error if it has been
// released by any path.
func (s *State) Resource() (any, error) {
	if s.released.Load() {
		return nil, &elog.ServerError{Data: elog.New(elog.ObjectNotInPrerequisiteStateCode,
			"attempt to use a resource that has already been released")}
	}
	return s.resource, nil
}

// ReleaseNative frees the underlying resource now if no other trigger has
// fired yet. Safe to call from the explicit-release path, the resource-owner
// callback, and the memory-context callback; only the first call acts.
func (s *State) ReleaseNative() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	s.reg.retire(s)
	if s.release == nil {
		return nil
	}
	return s.release(s.resource)
}

// Registry is the process-wide table of wrapped resources. It is owned by the
// backend's single logical thread; only the unreachability queue may be
// touched from other goroutines.
type Registry struct {
	slots   []slot
	free    []uint32
	byOwner map[*pgmem.ResourceOwner][]*State

	queueMu sync.Mutex
	queue   []*State
}

type slot struct {
	gen   uint32
	state *State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byOwner: make(map[*pgmem.ResourceOwner][]*State)}
}

// AttachOwnerTree registers the registry's release callback on the top-level
// resource owner. It runs in the after-locks phase, so teardown sees locks
// already cleaned up but everything else still consistent. Call once.
func (r *Registry) AttachOwnerTree(top *pgmem.ResourceOwner) {
	top.RegisterReleaseCallback(func(phase pgmem.ReleasePhase, owner *pgmem.ResourceOwner, isCommit, isTopLevel bool) {
		if phase != pgmem.ReleaseAfterLocks {
			return
		}
		r.releaseOwner(owner)
	})
}

// Wrap registers a resource whose native lifetime is governed by owner.
func (r *Registry) Wrap(resource any, owner *pgmem.ResourceOwner, release ReleaseFunc) *State {
	s := &State{reg: r, resource: resource, owner: owner, release: release}
	s.handle = r.alloc(s)
	if owner != nil {
		r.byOwner[owner] = append(r.byOwner[owner], s)
	}
	return s
}

// WrapInContext registers a resource whose native lifetime is tied to a
// memory context rather than a resource owner. The context's reset or delete
// releases the resource.
func (r *Registry) WrapInContext(resource any, ctx *pgmem.Context, release ReleaseFunc) *State {
	s := &State{reg: r, resource: resource, memCtx: ctx, release: release}
	s.handle = r.alloc(s)
	ctx.RegisterResetCallback(func() {
		_ = s.ReleaseNative()
	})
	return s
}

// Lookup resolves a guest handle. A zero, stale, or recycled handle yields a
// defined error rather than a misdirected resource.
func (r *Registry) Lookup(h Handle) (*State, error) {
	if !h.IsZero() && int(h.index) < len(r.slots) {
		sl := r.slots[h.index]
		if sl.gen == h.gen && sl.state != nil {
			return sl.state, nil
		}
	}
	return nil, &elog.ServerError{Data: elog.New(elog.ObjectNotInPrerequisiteStateCode,
		"stale native resource handle")}
}

// Live returns the number of wrapped resources not yet released.
func (r *Registry) Live() int {
	n := 0
	for _, sl := range r.slots {
		if sl.state != nil {
			n++
		}
	}
	return n
}

// CleanEnqueuedInstances drains the queue of states whose guest-side wrapper
// became unreachable, performing the deferred native release for each. It
// runs only at safe points on the backend thread: invocation pop, bounded
// fetch batches, and runtime shutdown. Returns how many were released.
func (r *Registry) CleanEnqueuedInstances() int {
	r.queueMu.Lock()
	pending := r.queue
	r.queue = nil
	r.queueMu.Unlock()

	n := 0
	for _, s := range pending {
		if !s.Released() {
			_ = s.ReleaseNative()
			n++
		}
	}
	return n
}

func (r *Registry) releaseOwner(owner *pgmem.ResourceOwner) {
	states := r.byOwner[owner]
	if states == nil {
		return
	}
	delete(r.byOwner, owner)
	for i := len(states) - 1; i >= 0; i-- {
		_ = states[i].ReleaseNative()
	}
}

// enqueueUnreachable is the only registry entry point that may run off the
// backend thread. Finalizers call it; the release itself is deferred to the
// next safe point.
func (r *Registry) enqueueUnreachable(s *State) {
	r.queueMu.Lock()
	r.queue = append(r.queue, s)
	r.queueMu.Unlock()
}

func (r *Registry) alloc(s *State) Handle {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = uint32(len(r.slots) - 1)
	}
	r.slots[idx].gen++
	r.slots[idx].state = s
	return Handle{index: idx, gen: r.slots[idx].gen}
}

func (r *Registry) retire(s *State) {
	idx := s.handle.index
	if int(idx) < len(r.slots) && r.slots[idx].state == s {
		r.slots[idx].state = nil
		r.free = append(r.free, idx)
	}
	if s.owner != nil {
		if states, ok := r.byOwner[s.owner]; ok {
			for i, other := range states {
				if other == s {
					r.byOwner[s.owner] = append(states[:i], states[i+1:]...)
					break
				}
			}
			if len(r.byOwner[s.owner]) == 0 {
				delete(r.byOwner, s.owner)
			}
		}
	}
}

// Pin is the guest-side wrapper for a wrapped resource. Closing it, or losing
// every reference to it, eventually releases the native resource. After
// release the pin's handle is zeroed, so later use fails cleanly instead of
// reaching freed memory.
type Pin struct {
	reg    *Registry
	handle Handle
}

// NewPin creates the guest-side wrapper for s. When the pin becomes
// unreachable without having been closed, the state is queued for release at
// the next safe point rather than released from the collector's goroutine.
func (r *Registry) NewPin(s *State) *Pin {
	p := &Pin{reg: r, handle: s.handle}
	runtime.SetFinalizer(p, func(p *Pin) {
		r.enqueueUnreachable(s)
	})
	return p
}

// Resource resolves the pin to the underlying resource.
func (p *Pin) Resource() (any, error) {
	if p.handle.IsZero() {
		return nil, &elog.ServerError{Data: elog.New(elog.ObjectNotInPrerequisiteStateCode,
			"resource pin is closed")}
	}
	s, err := p.reg.Lookup(p.handle)
	if err != nil {
		return nil, err
	}
	return s.Resource()
}

// Close releases the native resource now, from the guest side. Idempotent.
func (p *Pin) Close() error {
	if p.handle.IsZero() {
		return nil
	}
	s, err := p.reg.Lookup(p.handle)
	p.handle = Handle{}
	runtime.SetFinalizer(p, nil)
	if err != nil {
		return nil
	}
	return s.ReleaseNative()
}
