// Package lrucache provides a bounded least recently used map.
//
// Caches are safe for concurrent use. Every operation holds the cache lock
// only for the duration of the map access.
package lrucache

import (
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
)

type entry[K comparable, V any] struct {
	key   K
	value V
	added time.Time
}

// Stats are the counters of a cache.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
}

// Option configures a Cache.
type Option[K comparable, V any] func(c *Cache[K, V])

// WithOnEvict sets a function called (under the cache lock) with every entry
// dropped because the cache was full or the entry expired.
func WithOnEvict[K comparable, V any](f func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = f
	}
}

// WithMaxAge makes entries older than d behave as missing.
func WithMaxAge[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.maxAge = d
	}
}

// WithClock replaces time.Now as the source of time.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.now = now
	}
}

// Cache is a bounded LRU map from K to V.
type Cache[K comparable, V any] struct {
	capacity int
	maxAge   time.Duration
	now      func() time.Time
	onEvict  func(K, V)

	mtx       sync.Mutex
	items     map[K]*list.Element[*entry[K, V]]
	order     *list.List[*entry[K, V]]
	hits      uint64
	misses    uint64
	evictions uint64
}

// New returns a cache that holds at most capacity entries. It panics if
// capacity is not positive.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity <= 0 {
		panic("lrucache: capacity must be positive")
	}
	c := &Cache[K, V]{
		capacity: capacity,
		now:      time.Now,
		items:    make(map[K]*list.Element[*entry[K, V]], capacity),
		order:    list.New[*entry[K, V]](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// expired returns true if e is older than the max age. Must be called with
// the lock held.
func (c *Cache[K, V]) expired(e *entry[K, V]) bool {
	return c.maxAge > 0 && c.now().Sub(e.added) > c.maxAge
}

// evict removes el. Must be called with the lock held.
func (c *Cache[K, V]) evict(el *list.Element[*entry[K, V]]) {
	e := c.order.Remove(el)
	delete(c.items, e.key)
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(e.key, e.value)
	}
}

func (c *Cache[K, V]) lookup(k K, promote bool) (V, bool) {
	var zero V
	c.mtx.Lock()
	defer c.mtx.Unlock()

	el, ok := c.items[k]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.expired(el.Value) {
		c.evict(el)
		c.misses++
		return zero, false
	}
	if promote {
		c.order.MoveToFront(el)
	}
	c.hits++
	return el.Value.value, true
}

// Get returns the value for k and marks it as the most recently used.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	return c.lookup(k, true)
}

// Peek returns the value for k without changing its recency.
func (c *Cache[K, V]) Peek(k K) (V, bool) {
	return c.lookup(k, false)
}

// Put sets the value for k, evicting the least recently used entry when the
// cache is full.
func (c *Cache[K, V]) Put(k K, v V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[k]; ok {
		el.Value.value = v
		el.Value.added = c.now()
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		c.evict(c.order.Back())
	}
	c.items[k] = c.order.PushFront(&entry[K, V]{key: k, value: v, added: c.now()})
}

// Remove drops k from the cache. It returns the removed value, if any.
func (c *Cache[K, V]) Remove(k K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	el, ok := c.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.items, k)
	return c.order.Remove(el).value, true
}

// Len returns the number of entries, including expired ones not yet
// dropped.
func (c *Cache[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.order.Len()
}

// Keys returns the keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.key)
	}
	return keys
}

// Purge empties the cache, calling f (if not nil) with every entry first.
func (c *Cache[K, V]) Purge(f func(K, V)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if f != nil {
		for el := c.order.Front(); el != nil; el = el.Next() {
			f(el.Value.key, el.Value.value)
		}
	}
	c.items = make(map[K]*list.Element[*entry[K, V]], c.capacity)
	c.order.Init()
}

// Stats returns the current counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Len:       c.order.Len(),
	}
}
