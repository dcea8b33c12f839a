// Package session holds the short-lived cache of records a persistent worker
// has recently inserted or loaded, so hot keys skip the storage read.
package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

type entry struct {
	value      metrics.Metrics
	lastAccess time.Time
}

// Cache is safe for concurrent use on different keys. The same key is never
// touched by two goroutines at once because upstream queues partition by key.
type Cache struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.RWMutex
	entries map[metrics.Key]*entry
}

// New creates a cache evicting entries idle longer than ttl. A nil clk uses wall time.
func New(ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		ttl:     ttl,
		clock:   clk,
		entries: make(map[metrics.Key]*entry),
	}
}

// Get returns the cached record for key. It does not refresh the idle clock.
func (c *Cache) Get(key metrics.Key) (metrics.Metrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Put stores m and resets its idle clock.
func (c *Cache) Put(m metrics.Metrics) {
	c.mu.Lock()
	c.entries[m.Key()] = &entry{value: m, lastAccess: c.clock.Now()}
	c.mu.Unlock()
}

// Touch resets the idle clock of key if present.
func (c *Cache) Touch(key metrics.Key) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.lastAccess = c.clock.Now()
	}
	c.mu.Unlock()
}

func (c *Cache) Remove(key metrics.Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// RemoveExpired drops every entry idle strictly longer than the TTL and returns
// how many were removed.
func (c *Cache) RemoveExpired() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.lastAccess) > c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
