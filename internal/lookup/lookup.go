// Package lookup holds the external-id to internal-id caches that upsert,
// dedupe, and promotion share while one processing step is in flight.
package lookup

import (
	"sync"

	"github.com/sells-group/crm-import/internal/model"
)

// Caches maps external ids to internal ids per entity kind, and person ids
// to promoted user ids. Safe for concurrent use.
type Caches struct {
	mu      sync.RWMutex
	ids     map[model.EntityKind]map[string]string
	clients map[string]string
}

// NewCaches returns empty caches.
func NewCaches() *Caches {
	return &Caches{
		ids:     make(map[model.EntityKind]map[string]string),
		clients: make(map[string]string),
	}
}

// Get returns the internal id for an external id.
func (c *Caches) Get(kind model.EntityKind, externalID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[kind][externalID]
	return id, ok
}

// Put records an external to internal id mapping.
func (c *Caches) Put(kind model.EntityKind, externalID, id string) {
	if externalID == "" || id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.ids[kind]
	if !ok {
		m = make(map[string]string)
		c.ids[kind] = m
	}
	m[externalID] = id
}

// Missing returns the external ids not yet cached for kind, deduplicated and
// in input order.
func (c *Caches) Missing(kind model.EntityKind, externalIDs []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool, len(externalIDs))
	var out []string
	for _, id := range externalIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := c.ids[kind][id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of cached ids for kind.
func (c *Caches) Len(kind model.EntityKind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids[kind])
}

// Client returns the promoted user id for a person. An empty id with ok
// set means the person was examined and is not promotable.
func (c *Caches) Client(personID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.clients[personID]
	return id, ok
}

// PutClient records the promotion result for a person.
func (c *Caches) PutClient(personID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[personID] = userID
}

// Registry holds the caches of the steps in flight. A step resets its
// run's caches on entry and drops them on exit, so cached ids and
// promotion verdicts never outlive the step that loaded them.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Caches
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Caches)}
}

// Reset discards whatever runID had cached and returns fresh caches.
func (r *Registry) Reset(runID string) *Caches {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := NewCaches()
	r.runs[runID] = c
	return c
}

// Lookup returns the caches of runID's step in flight, if any.
func (r *Registry) Lookup(runID string) (*Caches, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.runs[runID]
	return c, ok
}

// Drop forgets runID.
func (r *Registry) Drop(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Len reports how many runs hold caches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
