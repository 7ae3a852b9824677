package composition

import (
	"sort"
	"sync"

	"github.com/roach88/realmsup/internal/endpoint"
)

// Registry maps capability ids to the capabilities minted while composing
// a realm. The bridge resolves ids from the wire through it.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]endpoint.Capability
}

func newRegistry() *Registry {
	return &Registry{caps: make(map[string]endpoint.Capability)}
}

func (r *Registry) add(c endpoint.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.ID()] = c
}

// Lookup returns the capability with the given id.
func (r *Registry) Lookup(id string) (endpoint.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// IDs returns every registered id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
