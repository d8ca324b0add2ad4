// Package seen implements a bounded deduplication cache for message ids.
//
// Every inbound packet is checked against this cache before delivery or
// relay. If seen: drop silently. If not: record and forward. This is the
// mechanism that bounds relay storms in a flooding mesh.
//
// The cache holds at most Capacity ids; when full, the oldest-inserted id is
// evicted (FIFO). It is purely transient and never persisted.
package seen

import "sync"

// Capacity is the maximum number of remembered message ids.
const Capacity = 1000

// Cache is a concurrent-safe FIFO deduplication store.
type Cache struct {
	mu      sync.Mutex
	entries map[string]struct{}
	order   []string
	cap     int
}

// New creates a Cache with the default capacity.
func New() *Cache {
	return NewWithCapacity(Capacity)
}

// NewWithCapacity creates a Cache holding at most capacity ids.
func NewWithCapacity(capacity int) *Cache {
	return &Cache{
		entries: make(map[string]struct{}, capacity),
		cap:     capacity,
	}
}

// Has reports whether id is currently remembered.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Add records id, evicting the oldest entry when at capacity.
// Returns true if the id was not previously seen (i.e. this is new traffic).
func (c *Cache) Add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return false
	}
	for len(c.entries) >= c.cap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[id] = struct{}{}
	c.order = append(c.order, id)
	return true
}

// Len returns the current number of cached ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
