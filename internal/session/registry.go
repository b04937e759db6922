package session

import (
	"sort"
	"sync"
)

// InitFunc runs once on every newly created Context before it is returned by GetOrCreate.
type InitFunc func(*Context)

// Registry maps session ids to their Context. A session id resolves to the same
// Context until it is removed, which is what makes reconnects resume state.
type Registry struct {
	opts Options
	init InitFunc

	mu       sync.Mutex
	contexts map[string]*Context
}

// NewRegistry creates an empty Registry. init may be nil.
//
// Postcondition: Returns a Registry whose Contexts are created with opts.
func NewRegistry(opts Options, init InitFunc) *Registry {
	return &Registry{
		opts:     opts,
		init:     init,
		contexts: make(map[string]*Context),
	}
}

// GetOrCreate returns the Context for id, creating it if absent.
//
// Precondition: id must be non-empty.
// Postcondition: Returns the Context and true if it was created by this call.
func (r *Registry) GetOrCreate(id string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contexts[id]; ok {
		return c, false
	}
	c := NewContext(id, r.opts)
	if r.init != nil {
		r.init(c)
	}
	r.contexts[id] = c
	return c, true
}

// Get returns the Context for id, if any.
func (r *Registry) Get(id string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[id]
	return c, ok
}

// Remove destroys and forgets the Context for id.
//
// Postcondition: Returns true if a Context was removed; a later GetOrCreate(id) starts fresh.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.contexts[id]
	delete(r.contexts, id)
	r.mu.Unlock()
	if ok {
		c.Destroy()
	}
	return ok
}

// Len returns the number of registered Contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// Each calls fn for every Context in session id order.
func (r *Registry) Each(fn func(*Context)) {
	r.mu.Lock()
	ids := sortedKeys(r.contexts)
	snapshot := make([]*Context, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, r.contexts[id])
	}
	r.mu.Unlock()
	for _, c := range snapshot {
		fn(c)
	}
}

// Close destroys every Context.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.mu.Unlock()
	for _, id := range ids {
		r.Remove(id)
	}
}
