// Package patch accumulates per-entity dirty state into a single outstanding
// diff that is consumed once per synchronization tick.
package patch

import (
	"sync"
)

// IDField is the key under which a flushed Patch carries its entity id.
const IDField = "id"

// Patch is a partial entity state: the top-level fields changed since the last flush.
type Patch map[string]any

// ID returns the entity id carried by the patch.
func (p Patch) ID() string {
	id, _ := p[IDField].(string)
	return id
}

// Tracker holds at most one outstanding Patch for one entity.
// Repeated mutations between flushes merge field-wise with last-writer-wins.
// All methods are safe for concurrent use.
type Tracker struct {
	id       string
	mu       sync.Mutex
	observed bool
	pending  Patch
}

// NewTracker creates a Tracker for the entity with the given id.
//
// Precondition: id must be non-empty.
// Postcondition: Returns a Tracker with no pending patch, observing only if observed is true.
func NewTracker(id string, observed bool) *Tracker {
	return &Tracker{id: id, observed: observed}
}

// ID returns the tracked entity id.
func (t *Tracker) ID() string {
	return t.id
}

// MarkDirty merges delta into the outstanding patch. A field set twice before the
// next flush retains only the latest value. Mutations are dropped while the
// tracker is not observed.
//
// Postcondition: Every key of delta is present in the outstanding patch with delta's value,
// unless the tracker is not observed.
func (t *Tracker) MarkDirty(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.observed {
		return
	}
	if t.pending == nil {
		t.pending = make(Patch, len(delta)+1)
	}
	for k, v := range delta {
		if k == IDField {
			continue
		}
		t.pending[k] = v
	}
}

// Flush returns the outstanding patch tagged with the entity id and clears it.
// It returns (nil, false) when no field changed since the last flush.
//
// Postcondition: A patch returned once is never returned again.
func (t *Tracker) Flush() (Patch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return nil, false
	}
	out := t.pending
	t.pending = nil
	out[IDField] = t.id
	return out, true
}

// Restore puts back a flushed patch that could not be delivered. Fields written
// since the flush keep their newer value.
//
// Postcondition: Every field of p absent from the outstanding patch is pending again.
func (t *Tracker) Restore(p Patch) {
	if len(p) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.observed {
		return
	}
	if t.pending == nil {
		t.pending = make(Patch, len(p))
	}
	for k, v := range p {
		if k == IDField {
			continue
		}
		if _, newer := t.pending[k]; !newer {
			t.pending[k] = v
		}
	}
}

// Pending reports whether a non-empty patch is outstanding.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// Reset discards the outstanding patch, e.g. after the full state has been sent.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
}

// SetObserved toggles accumulation. Turning observation off discards any outstanding patch.
func (t *Tracker) SetObserved(observed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed = observed
	if !observed {
		t.pending = nil
	}
}

// Observed reports whether mutations are being accumulated.
func (t *Tracker) Observed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observed
}
