// Package cache provides the closed-world memoizing cache shared by the
// directory-scoped stores.
//
// A DirectoryCache is not safe for concurrent use. Each owning store guards
// it with its own lock. There is no eviction: entries live until they are
// invalidated or the cache is cleared.
package cache

// ScopedKey keys an entry by directory plus an optional scope boundary, such
// as the analysis root the entry was computed under.
type ScopedKey struct {
	Dir   string
	Scope string
}

// DirectoryCache memoizes values computed per key.
type DirectoryCache[K comparable, V any] struct {
	entries map[K]V
	hits    int
	misses  int
}

// New returns an empty DirectoryCache.
func New[K comparable, V any]() *DirectoryCache[K, V] {
	return &DirectoryCache[K, V]{entries: make(map[K]V)}
}

// Get returns the cached value for key, calling compute and storing its
// result on first access.
func (c *DirectoryCache[K, V]) Get(key K, compute func() V) V {
	if v, ok := c.entries[key]; ok {
		c.hits++
		return v
	}
	c.misses++
	v := compute()
	c.entries[key] = v
	return v
}

// Peek returns the cached value without computing it.
func (c *DirectoryCache[K, V]) Peek(key K) (V, bool) {
	v, ok := c.entries[key]
	return v, ok
}

// Set replaces the entry for key.
func (c *DirectoryCache[K, V]) Set(key K, v V) {
	c.entries[key] = v
}

// Invalidate removes one entry.
func (c *DirectoryCache[K, V]) Invalidate(key K) {
	delete(c.entries, key)
}

// InvalidateFunc removes every entry whose key satisfies pred and returns
// how many were removed.
func (c *DirectoryCache[K, V]) InvalidateFunc(pred func(K) bool) int {
	n := 0
	for k := range c.entries {
		if pred(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops all entries.
func (c *DirectoryCache[K, V]) Clear() {
	c.entries = make(map[K]V)
}

// Len returns the number of cached entries.
func (c *DirectoryCache[K, V]) Len() int {
	return len(c.entries)
}

// Stats returns hit and miss counts since creation.
func (c *DirectoryCache[K, V]) Stats() (hits, misses int) {
	return c.hits, c.misses
}
