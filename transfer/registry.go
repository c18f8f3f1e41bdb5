package transfer

import (
	"sync"
)

// entry pairs one TransferState with its dedicated lock. Structural map
// mutations are serialized by the registry-wide mutex; data mutation is
// serialized by the entry mutex, so unrelated transfers never contend.
type entry struct {
	mu    sync.Mutex
	state *TransferState
}

// Registry is the concurrent map of transfer ID to in-flight upload state.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// add inserts a fresh state keyed by its ID. An existing key is an internal
// error: IDs carry a random component, so a collision means a caller bug.
func (r *Registry) add(state *TransferState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[state.ID]; exists {
		return ErrTransferExists
	}
	r.entries[state.ID] = &entry{state: state}
	return nil
}

// get returns the entry for id. The returned state is only valid to touch
// while holding the entry's lock.
func (r *Registry) get(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// remove deletes the entry for id, if present.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// snapshot returns a progress snapshot per active transfer.
func (r *Registry) snapshot() map[string]Progress {
	r.mu.Lock()
	ids := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ids = append(ids, e)
	}
	r.mu.Unlock()

	out := make(map[string]Progress, len(ids))
	for _, e := range ids {
		e.mu.Lock()
		out[e.state.ID] = e.state.progress()
		e.mu.Unlock()
	}
	return out
}
