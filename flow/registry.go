package flow

import (
	"sync"

	"github.com/google/uuid"

	"github.com/flowrx/flowrx-go/flow/store"
)

// Registry tracks the engines currently executing, at most one per job.
// Services use it to route retry requests to a live engine and to refuse
// duplicate runs of the same job.
//
// Engines created through GetOrSet deregister themselves when their run
// finishes.
type Registry struct {
	mu      sync.Mutex
	engines map[uuid.UUID]*Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[uuid.UUID]*Engine)}
}

// GetOrSet returns the engine registered for jobID, creating and
// registering a new one when none exists. The boolean reports whether the
// engine was already present.
func (r *Registry) GetOrSet(repo store.Repository, jobID uuid.UUID, opts Options) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[jobID]; ok {
		return e, true
	}
	e := New(repo, jobID, opts)
	e.registry = r
	r.engines[jobID] = e
	return e, false
}

// Get returns the registered engine for jobID, if any.
func (r *Registry) Get(jobID uuid.UUID) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[jobID]
	return e, ok
}

// Delete removes the engine for jobID. Deleting an absent entry is a
// no-op.
func (r *Registry) Delete(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, jobID)
}

// Len returns the number of live engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}
