// Package pgmem models the PostgreSQL memory context tree and resource owner
// machinery the bridge hooks into. Allocations, resets, deletes, and release
// callbacks behave the way the server's own do, which is what lets the
// dual-ownership registry coordinate with them: a context reset or an owner
// release fires the same callbacks the real teardown phases would.
package pgmem

import (
	"errors"
	"fmt"
)

var errDoubleFree = errors.New("allocation already freed")

// Allocation is one block allocated in a Context. Free is idempotent-hostile
// on purpose: a second Free reports an error, which is how tests observe that
// a release path ran at most once.
type Allocation struct {
	ctx   *Context
	size  int
	freed bool
}

// Size returns the requested size of the allocation.
func (a *Allocation) Size() int { return a.size }

// Freed reports whether the allocation has been released.
func (a *Allocation) Freed() bool { return a.freed }

// Free releases the allocation back to its context.
func (a *Allocation) Free() error {
	if a.freed {
		return errDoubleFree
	}
	a.freed = true
	a.ctx.live--
	return nil
}

// Context is one node in the memory context tree.
type Context struct {
	name     string
	parent   *Context
	children []*Context
	live     int
	deleted  bool

	resetCallbacks []func()
}

// NewContext creates a child context of parent. A nil parent creates a root.
func NewContext(parent *Context, name string) *Context {
	ctx := &Context{name: name, parent: parent}
	if parent != nil {
		parent.children = append(parent.children, ctx)
	}
	return ctx
}

func (c *Context) Name() string     { return c.name }
func (c *Context) Parent() *Context { return c.parent }
func (c *Context) Deleted() bool    { return c.deleted }

// Live returns the number of unfreed allocations in this context alone.
func (c *Context) Live() int { return c.live }

// Alloc allocates a block in this context.
func (c *Context) Alloc(size int) *Allocation {
	if c.deleted {
		panic(fmt.Sprintf("allocation in deleted context %q", c.name))
	}
	c.live++
	return &Allocation{ctx: c, size: size}
}

// RegisterResetCallback arranges for f to run when this context is reset or
// deleted. Callbacks run before any memory is released, child contexts first,
// in reverse registration order, and each registered callback runs once.
func (c *Context) RegisterResetCallback(f func()) {
	c.resetCallbacks = append(c.resetCallbacks, f)
}

// Reset frees everything allocated in the context and its children and runs
// the reset callbacks, children before the context's own. The context itself
// remains usable.
func (c *Context) Reset() {
	// Delete detaches each child from c.children, so take them from the tail
	// rather than iterating the slice being spliced.
	for len(c.children) > 0 {
		c.children[len(c.children)-1].Delete()
	}
	c.runCallbacks()
	c.live = 0
}

// Delete resets the context and marks it unusable.
func (c *Context) Delete() {
	if c.deleted {
		return
	}
	c.Reset()
	c.deleted = true
	if c.parent != nil {
		for i, sib := range c.parent.children {
			if sib == c {
				c.parent.children = append(c.parent.children[:i], c.parent.children[i+1:]...)
				break
			}
		}
	}
}

func (c *Context) runCallbacks() {
	cbs := c.resetCallbacks
	c.resetCallbacks = nil
	for i := len(cbs) - 1; i >= 0; i-- {
		cbs[i]()
	}
}

// Manager tracks the current allocation context for the backend's single
// logical thread of control. Every boundary crossing saves the current
// context on its invocation frame and restores it on the way out.
type Manager struct {
	top     *Context
	current *Context
}

// NewManager creates the top-level context and makes it current.
func NewManager() *Manager {
	top := NewContext(nil, "TopMemoryContext")
	return &Manager{top: top, current: top}
}

// Top returns the top-level context.
func (m *Manager) Top() *Context { return m.top }

// Current returns the current allocation context.
func (m *Manager) Current() *Context { return m.current }

// SetCurrent switches the current context and returns the previous one, so
// callers can switch back symmetrically.
func (m *Manager) SetCurrent(ctx *Context) *Context {
	prev := m.current
	m.current = ctx
	return prev
}
