package pgmem

// ReleasePhase identifies where in resource-owner teardown a callback runs.
// The bridge's registry hooks AfterLocks so it sees lock-related cleanup
// already done but nothing else torn down yet.
type ReleasePhase int

const (
	ReleaseBeforeLocks ReleasePhase = iota
	ReleaseLocks
	ReleaseAfterLocks
)

func (p ReleasePhase) String() string {
	switch p {
	case ReleaseBeforeLocks:
		return "before-locks"
	case ReleaseLocks:
		return "locks"
	case ReleaseAfterLocks:
		return "after-locks"
	default:
		return "invalid"
	}
}

// ReleaseCallback is invoked once per phase when owner is released.
type ReleaseCallback func(phase ReleasePhase, owner *ResourceOwner, isCommit, isTopLevel bool)

// ResourceOwner is one node in the transaction-scoped resource lifetime tree.
type ResourceOwner struct {
	name     string
	parent   *ResourceOwner
	children []*ResourceOwner
	released bool

	callbacks []ReleaseCallback
}

// NewResourceOwner creates a child owner of parent. A nil parent creates the
// top-level transaction owner.
func NewResourceOwner(parent *ResourceOwner, name string) *ResourceOwner {
	ro := &ResourceOwner{name: name, parent: parent}
	if parent != nil {
		parent.children = append(parent.children, ro)
	}
	return ro
}

func (ro *ResourceOwner) Name() string   { return ro.name }
func (ro *ResourceOwner) Released() bool { return ro.released }

// RegisterReleaseCallback registers f to run during Release of this owner and
// every owner below it. Interested subsystems register once, on the top-level
// owner, at init time.
func (ro *ResourceOwner) RegisterReleaseCallback(f ReleaseCallback) {
	ro.callbacks = append(ro.callbacks, f)
}

// effectiveCallbacks collects callbacks registered on ro and its ancestors,
// outermost registration first.
func (ro *ResourceOwner) effectiveCallbacks() []ReleaseCallback {
	if ro.parent == nil {
		return ro.callbacks
	}
	inherited := ro.parent.effectiveCallbacks()
	if len(ro.callbacks) == 0 {
		return inherited
	}
	out := make([]ReleaseCallback, 0, len(inherited)+len(ro.callbacks))
	out = append(out, inherited...)
	out = append(out, ro.callbacks...)
	return out
}

// Release tears the owner down: children first, then each phase in order.
// isCommit distinguishes commit from abort; isTopLevel distinguishes the
// top-level transaction owner from a subtransaction's.
func (ro *ResourceOwner) Release(isCommit, isTopLevel bool) {
	if ro.released {
		return
	}
	ro.released = true

	for i := len(ro.children) - 1; i >= 0; i-- {
		ro.children[i].Release(isCommit, false)
	}
	ro.children = nil

	cbs := ro.effectiveCallbacks()
	for _, phase := range []ReleasePhase{ReleaseBeforeLocks, ReleaseLocks, ReleaseAfterLocks} {
		for _, cb := range cbs {
			cb(phase, ro, isCommit, isTopLevel)
		}
	}
}
