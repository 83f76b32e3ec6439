// Package rescache is a TTL-bounded in-memory cache for discovered MCP
// resources. Each entry stores an absolute expiry; expired entries read
// as absent and are evicted lazily on the access that finds them. There
// is no background sweeper.
//
// The cache has no notion of TTL classes. Callers pick a TTL per entry
// (for example a short one for realtime quotes and a long one for
// reference documents).
package rescache

import (
	"sort"
	"sync"
	"time"
)

// Entry is a cached value with its absolute expiry.
type Entry[V any] struct {
	Key       string
	Value     V
	ExpiresAt time.Time
}

// expired reports whether the entry is past its expiry at now. An
// entry is still live at the exact instant it expires.
func (e *Entry[V]) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache maps keys (resource URIs) to values. It is safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Cache[V]{
		entries: make(map[string]*Entry[V]),
		now:     o.now,
	}
}

// Get returns the value for key. The second result is false when the
// key is absent or expired; an expired entry is removed.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return zero, false
	}
	return e.Value, true
}

// Put inserts or overwrites key with an expiry of now+ttl. A ttl of
// zero stores an entry that expires as soon as the clock moves.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &Entry[V]{
		Key:       key,
		Value:     value,
		ExpiresAt: c.now().Add(ttl),
	}
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeleteFunc removes every entry whose key and value satisfy pred and
// returns the number removed.
func (c *Cache[V]) DeleteFunc(pred func(key string, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if pred(k, e.Value) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Filter returns the live entries whose key satisfies pred, sorted by
// key. Expired entries encountered during the scan are evicted.
func (c *Cache[V]) Filter(pred func(key string) bool) []Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []Entry[V]
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			continue
		}
		if pred == nil || pred(k) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of stored entries, including expired ones
// that have not been evicted yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
