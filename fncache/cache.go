package fncache

// Cache holds resolved function descriptors keyed by OID. It lives for the
// backend process; descriptors are rebuilt when the underlying SQL function
// is redefined or when an explicit cache clear is requested.
type Cache struct {
	m        map[uint32]*Function
	resolver *Resolver

	invalidFns []*Function
	invalidSet map[uint32]struct{}
}

// NewCache creates an empty cache backed by resolver.
func NewCache(resolver *Resolver) *Cache {
	return &Cache{
		m:          make(map[uint32]*Function, 32),
		resolver:   resolver,
		invalidSet: make(map[uint32]struct{}),
	}
}

// Get returns the cached descriptor for oid. Returns nil if not cached.
func (c *Cache) Get(oid uint32) *Function {
	return c.m[oid]
}

// GetOrResolve returns the cached descriptor for oid, resolving and caching
// it on first use.
func (c *Cache) GetOrResolve(oid uint32) (*Function, error) {
	if f := c.m[oid]; f != nil {
		return f, nil
	}
	f, err := c.resolver.Resolve(oid)
	if err != nil {
		return nil, err
	}
	c.Put(f)
	return f, nil
}

// Put stores f. Put does nothing if f's OID is already cached, or has been
// invalidated and RemoveInvalidated has not been called yet.
func (c *Cache) Put(f *Function) {
	if _, present := c.m[f.oid]; present {
		return
	}
	if _, invalidated := c.invalidSet[f.oid]; invalidated {
		return
	}
	c.m[f.oid] = f
}

// Invalidate invalidates the descriptor for oid. Does nothing if not cached.
// Called from the syscache invalidation hook when the SQL function is
// redefined.
func (c *Cache) Invalidate(oid uint32) {
	f, ok := c.m[oid]
	if !ok {
		return
	}
	delete(c.m, oid)
	c.invalidFns = append(c.invalidFns, f)
	c.invalidSet[oid] = struct{}{}
}

// InvalidateAll clears the cache, except that descriptors the inUse predicate
// reports as currently on the call stack are carried into the fresh cache
// rather than freed out from under the active call.
func (c *Cache) InvalidateAll(inUse func(oid uint32) bool) {
	fresh := make(map[uint32]*Function, 8)
	for oid, f := range c.m {
		if inUse != nil && inUse(oid) {
			fresh[oid] = f
			continue
		}
		c.invalidFns = append(c.invalidFns, f)
		c.invalidSet[oid] = struct{}{}
	}
	c.m = fresh
}

// GetInvalidated returns the descriptors invalidated since the last call to
// RemoveInvalidated, so their guest-side resources can be dropped.
func (c *Cache) GetInvalidated() []*Function {
	return c.invalidFns
}

// RemoveInvalidated forgets the invalidated descriptors. No other cache calls
// may intervene between GetInvalidated and RemoveInvalidated.
func (c *Cache) RemoveInvalidated() {
	c.invalidFns = c.invalidFns[:0]
	clear(c.invalidSet)
}

// Len returns the number of cached descriptors.
func (c *Cache) Len() int {
	return len(c.m)
}
