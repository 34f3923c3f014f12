package agent

import (
	"sync"

	"github.com/oddjobs/oddjobs/internal/event"
)

// Registry is the small agent-to-owner map updated on spawn and
// cleared on deregister. Relationships elsewhere go through the
// materialized state by id; this map exists so hot paths (watcher
// events, liveness checks) resolve owners without the state lock.
type Registry struct {
	mu     sync.Mutex
	owners map[string]event.Owner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]event.Owner)}
}

// Bind records an agent's owner.
func (r *Registry) Bind(agentID string, owner event.Owner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[agentID] = owner
}

// Unbind removes an agent's owner mapping.
func (r *Registry) Unbind(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, agentID)
}

// OwnerOf resolves an agent's owner.
func (r *Registry) OwnerOf(agentID string) (event.Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[agentID]
	return owner, ok
}

// AgentFor resolves the agent bound to an owner, if any.
func (r *Registry) AgentFor(owner event.Owner) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.owners {
		if o == owner {
			return id, true
		}
	}
	return "", false
}

// Known returns all registered agent ids.
func (r *Registry) Known() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.owners))
	for id := range r.owners {
		ids = append(ids, id)
	}
	return ids
}
