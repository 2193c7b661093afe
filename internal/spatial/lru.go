package spatial

import (
	"container/list"
	"sync"
	"time"

	"github.com/sawpanic/geoguard/internal/persistence"
)

// lruCache is the process-local first tier: a bounded, TTL-checked LRU.
// Recency is updated on Get, so eviction removes the least-recently-used
// entry rather than the first-inserted one.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	items   map[string]*list.Element
}

type lruEntry struct {
	key       string
	set       persistence.CellZoneSet
	expiresAt time.Time
}

func newLRUCache(maxSize int, ttl time.Duration) *lruCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &lruCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		items:   make(map[string]*list.Element),
	}
}

func (c *lruCache) Get(cellID string) (persistence.CellZoneSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[cellID]
	if !ok {
		return persistence.CellZoneSet{}, false
	}

	entry := elem.Value.(*lruEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, cellID)
		return persistence.CellZoneSet{}, false
	}

	c.order.MoveToFront(elem)
	return entry.set, true
}

func (c *lruCache) Put(set persistence.CellZoneSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[set.CellID]; ok {
		entry := elem.Value.(*lruEntry)
		entry.set = set
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.maxSize {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.items, back.Value.(*lruEntry).key)
	}

	elem := c.order.PushFront(&lruEntry{
		key:       set.CellID,
		set:       set,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[set.CellID] = elem
}

func (c *lruCache) Delete(cellID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[cellID]; ok {
		c.order.Remove(elem)
		delete(c.items, cellID)
	}
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *lruCache) Cap() int {
	return c.maxSize
}
