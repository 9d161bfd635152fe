// Package cache implements the S3-FIFO read-through cache (spec.md §4.2):
// three FIFO queues — a small newcomer queue S (~10% capacity), a main
// frequency-promoted queue M (~90% capacity), and a ghost queue G (capacity
// equal to M) recording recently evicted keys — giving near-LRU hit rates
// with O(1) amortized insert/lookup and no hash-map shifts on eviction.
package cache

import (
	"container/list"
	"sync"
)

const maxFreq = 3 // 2-bit counter, saturates at 3

// entry is the payload stored in each queue node.
type entry struct {
	key   string
	value any
	freq  uint8
}

// Cache is a single S3-FIFO instance. Safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	capS, capM, capG int

	small *list.List // of *entry
	main  *list.List // of *entry
	ghost *list.List // of string (keys only)

	index      map[string]*list.Element // key -> element in small or main
	ghostIndex map[string]*list.Element // key -> element in ghost

	hits, misses int64
}

// New creates a Cache with the given total capacity, split ~10%/90% between
// the small and main queues per the S3-FIFO design; the ghost queue's
// capacity mirrors the main queue.
func New(capacity int) *Cache {
	if capacity < 10 {
		capacity = 10
	}
	capS := capacity / 10
	if capS < 1 {
		capS = 1
	}
	capM := capacity - capS
	return &Cache{
		capS:       capS,
		capM:       capM,
		capG:       capM,
		small:      list.New(),
		main:       list.New(),
		ghost:      list.New(),
		index:      make(map[string]*list.Element),
		ghostIndex: make(map[string]*list.Element),
	}
}

// Get returns the cached value for key and true on a hit, incrementing the
// key's frequency counter (saturating at maxFreq). Returns nil, false on miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if e.freq < maxFreq {
			e.freq++
		}
		c.hits++
		return e.value, true
	}
	c.misses++
	return nil, false
}

// Insert admits key/value into the cache, evicting as needed to stay within
// capacity. If key is present in the ghost queue (recently evicted), it is
// admitted directly into the main queue; otherwise it enters the small queue.
func (c *Cache) Insert(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		// Already resident: refresh the value in place, bump frequency.
		e := el.Value.(*entry)
		e.value = value
		if e.freq < maxFreq {
			e.freq++
		}
		return
	}

	e := &entry{key: key, value: value}
	if gel, ok := c.ghostIndex[key]; ok {
		c.ghost.Remove(gel)
		delete(c.ghostIndex, key)
		el := c.main.PushBack(e)
		c.index[key] = el
		c.evictMainIfNeeded()
		return
	}

	el := c.small.PushBack(e)
	c.index[key] = el
	c.evictSmallIfNeeded()
}

// evictSmallIfNeeded pops from the front of S until it's within capacity.
// A popped entry with freq >= 1 is promoted to M; otherwise it is dropped
// and recorded in the ghost queue G.
func (c *Cache) evictSmallIfNeeded() {
	for c.small.Len() > c.capS {
		front := c.small.Front()
		e := front.Value.(*entry)
		c.small.Remove(front)
		delete(c.index, e.key)

		if e.freq >= 1 {
			e.freq = 0
			mel := c.main.PushBack(e)
			c.index[e.key] = mel
			c.evictMainIfNeeded()
			continue
		}

		c.admitGhost(e.key)
	}
}

// evictMainIfNeeded pops from the front of M until it's within capacity. A
// popped entry with freq >= 1 is rotated to the tail (given another chance);
// otherwise it is dropped with no ghost entry (M evictions are not tracked
// in G — only S evictions feed the ghost queue per the admission policy).
func (c *Cache) evictMainIfNeeded() {
	for c.main.Len() > c.capM {
		front := c.main.Front()
		e := front.Value.(*entry)
		c.main.Remove(front)

		if e.freq >= 1 {
			e.freq--
			el := c.main.PushBack(e)
			c.index[e.key] = el
			continue
		}

		delete(c.index, e.key)
	}
}

// admitGhost records key as recently evicted, evicting the oldest ghost
// entry if G is already at capacity.
func (c *Cache) admitGhost(key string) {
	if c.capG == 0 {
		return
	}
	if c.ghost.Len() >= c.capG {
		front := c.ghost.Front()
		c.ghost.Remove(front)
		delete(c.ghostIndex, front.Value.(string))
	}
	el := c.ghost.PushBack(key)
	c.ghostIndex[key] = el
}

// Invalidate removes key from the cache entirely (not just expiring it),
// used to satisfy the happens-before cache-invalidation invariant (spec.md
// §3 invariant 6): call this before the write transaction that changes the
// underlying row becomes visible to other readers.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		// el belongs to exactly one of small/main; list.Remove is a no-op on
		// the list that doesn't own it, so trying both is safe.
		c.small.Remove(el)
		c.main.Remove(el)
		delete(c.index, key)
	}
}

// Stats reports cumulative hit/miss counters and current queue occupancy.
type Stats struct {
	Hits, Misses int64
	SmallLen     int
	MainLen      int
	GhostLen     int
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		SmallLen: c.small.Len(),
		MainLen:  c.main.Len(),
		GhostLen: c.ghost.Len(),
	}
}

// Keys returns every resident key across S and M, sorted by the caller as needed.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.index))
	for k := range c.index {
		out = append(out, k)
	}
	return out
}
