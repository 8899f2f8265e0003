// Package cache provides the bounded index-key lookup cache used by the
// saga identity resolver.
//
// Entries are hints, never the source of truth: a caller that gets a hit
// must still find the primary row before trusting it, and calls Remove when
// the row turns out to be gone.
package cache

import (
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/sagastore/internal/identity"
)

// DefaultCapacity is used when a non-positive capacity is configured.
const DefaultCapacity = 1000

// EvictFunc is called after a Put pushed the least recently used entry out.
type EvictFunc func()

// Cache is a thread-safe, fixed-capacity LRU map from index key to primary
// identifier. A single lock guards the recency list and the key map; it is
// held only for in-memory bookkeeping.
type Cache struct {
	lru      *lru.Cache[identity.IndexKey, uuid.UUID]
	capacity int
	onEvict  EvictFunc
}

// New creates a cache holding at most capacity entries. onEvict may be nil.
func New(capacity int, onEvict EvictFunc) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	inner, err := lru.New[identity.IndexKey, uuid.UUID](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lookup cache: %w", err)
	}

	return &Cache{lru: inner, capacity: capacity, onEvict: onEvict}, nil
}

// Get returns the cached identifier for key and marks it most recently used.
func (c *Cache) Get(key identity.IndexKey) (uuid.UUID, bool) {
	return c.lru.Get(key)
}

// Put stores id under key. An existing entry is overwritten and refreshed.
// Returns true if the insert evicted the least recently used entry.
func (c *Cache) Put(key identity.IndexKey, id uuid.UUID) bool {
	evicted := c.lru.Add(key, id)
	if evicted && c.onEvict != nil {
		c.onEvict()
	}
	return evicted
}

// Remove drops key and reports whether it was present.
// Explicit removals do not count as evictions.
func (c *Cache) Remove(key identity.IndexKey) bool {
	return c.lru.Remove(key)
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache) Contains(key identity.IndexKey) bool {
	return c.lru.Contains(key)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Capacity returns the configured maximum number of entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}
