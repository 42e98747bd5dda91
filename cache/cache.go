// Package cache remembers fetch outcomes for the duration of a run so a post
// linked more than once is only fetched once.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/use-agent/postpulse/models"
	"golang.org/x/sync/singleflight"
)

// Result is a cached fetch outcome. Exactly one of Metrics and Err is set.
type Result struct {
	Metrics *models.MetricsResult
	Err     error
}

// Cache is an in-memory outcome cache keyed by canonical post URL.
// Concurrent lookups of the same key share a single fetch.
// It is safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	store map[string]Result
	group singleflight.Group
	hits  atomic.Int64
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{store: make(map[string]Result)}
}

// Get returns the stored outcome for key.
func (c *Cache) Get(key string) (Result, bool) {
	c.mu.RLock()
	r, ok := c.store[key]
	c.mu.RUnlock()
	return r, ok
}

// Do returns the outcome for key, calling fetch only if no outcome is stored
// or in flight. shared reports whether the outcome came from another call.
// Outcomes for which keep returns false are handed back but not stored.
func (c *Cache) Do(key string, fetch func() Result, keep func(Result) bool) (r Result, shared bool) {
	if r, ok := c.Get(key); ok {
		c.hits.Add(1)
		return r, true
	}
	// singleflight marks every caller of a joined flight as shared; only the
	// caller whose fetch ran is not.
	ran := false
	v, _, _ := c.group.Do(key, func() (any, error) {
		ran = true
		r := fetch()
		if keep == nil || keep(r) {
			c.mu.Lock()
			c.store[key] = r
			c.mu.Unlock()
		}
		return r, nil
	})
	if !ran {
		c.hits.Add(1)
	}
	return v.(Result), !ran
}

// Hits returns how many lookups were served without a fetch of their own.
func (c *Cache) Hits() int {
	return int(c.hits.Load())
}

// Len returns the number of stored outcomes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
