package turn

import (
	"context"
	"sync"
)

// noopIterator is the default AgentIterator used when nothing has been
// registered for an agent_id: it produces no events and returns
// immediately. This core does not implement the LLM provider itself
// (see package doc) — Registry exists so a real provider integration
// can attach its iterator per agent without the Coordinator needing to
// know how iterators are constructed.
type noopIterator struct{}

func (noopIterator) Run(ctx context.Context, out chan<- AgentEvent, confirmations Confirmations) error {
	return nil
}

// Registry is a concurrency-safe Iterators implementation backed by a
// map, letting callers attach a concrete AgentIterator per agent_id at
// runtime.
type Registry struct {
	mu        sync.RWMutex
	iterators map[string]AgentIterator
}

// NewRegistry constructs an empty Registry. Agents with no registered
// iterator fall back to a no-op iterator that completes a turn with
// empty content.
func NewRegistry() *Registry {
	return &Registry{iterators: make(map[string]AgentIterator)}
}

// Register attaches it as the iterator to use for agentID.
func (r *Registry) Register(agentID string, it AgentIterator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterators[agentID] = it
}

// Deregister removes any iterator registered for agentID.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.iterators, agentID)
}

// For implements Iterators.
func (r *Registry) For(agentID string) AgentIterator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if it, ok := r.iterators[agentID]; ok {
		return it
	}
	return noopIterator{}
}
