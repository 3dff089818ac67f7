// Package catalog holds the bounded thumbnail cache that sits between
// the session and the asset store.
package catalog

import (
	"container/list"
	"sync"
)

const (
	DefaultMaxEntries = 500
	DefaultMaxBytes   = 50 * 1024 * 1024
)

type item struct {
	id   string
	data []byte
}

// Cache is an LRU map from asset id to encoded thumbnail bytes with two
// ceilings: entry count and total payload bytes. Eviction honors
// whichever limit is hit first.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	order      *list.List // front = most recently used
	lookup     map[string]*list.Element
	bytes      int
	maxEntries int
	maxBytes   int
}

// New creates a cache. Non-positive limits select the defaults.
func New(maxEntries, maxBytes int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		order:      list.New(),
		lookup:     make(map[string]*list.Element),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Get returns the cached bytes for id, marking it most recently used.
func (c *Cache) Get(id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.lookup[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*item).data, true
}

// Put inserts or replaces the entry for id, evicting least-recently-used
// entries until both ceilings hold. An entry larger than the byte ceiling
// is not cached at all; any prior entry for id is dropped rather than
// left stale.
func (c *Cache) Put(id string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) > c.maxBytes {
		if elem, ok := c.lookup[id]; ok {
			c.remove(elem)
		}
		return
	}

	if elem, ok := c.lookup[id]; ok {
		it := elem.Value.(*item)
		c.bytes += len(data) - len(it.data)
		it.data = data
		c.order.MoveToFront(elem)
	} else {
		c.lookup[id] = c.order.PushFront(&item{id: id, data: data})
		c.bytes += len(data)
	}

	for c.order.Len() > c.maxEntries || c.bytes > c.maxBytes {
		c.evictOldest()
	}
}

// Invalidate drops the entry for id, if present. Used when the asset
// store signals staleness for one item.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.lookup[id]; ok {
		c.remove(elem)
	}
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.lookup = make(map[string]*list.Element)
	c.bytes = 0
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the total cached payload size.
func (c *Cache) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Cache) evictOldest() {
	oldest := c.order.Back()
	if oldest != nil {
		c.remove(oldest)
	}
}

func (c *Cache) remove(elem *list.Element) {
	it := elem.Value.(*item)
	c.order.Remove(elem)
	delete(c.lookup, it.id)
	c.bytes -= len(it.data)
}
