// Package cache is an in-process TTL cache over ristretto.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/coursegrid/coursegrid/pkg/metrics"
)

// Cache holds at most maxEntries values, each with unit cost.
type Cache[V any] struct {
	c   *ristretto.Cache[string, V]
	ttl time.Duration
}

func New[V any](maxEntries int64, ttl time.Duration) (*Cache[V], error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache[V]{c: c, ttl: ttl}, nil
}

func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.c.Get(key)
	if ok {
		metrics.ResolutionCache.WithLabelValues("hit").Inc()
	} else {
		metrics.ResolutionCache.WithLabelValues("miss").Inc()
	}
	return v, ok
}

func (c *Cache[V]) Set(key string, value V) {
	if c.ttl > 0 {
		c.c.SetWithTTL(key, value, 1, c.ttl)
		return
	}
	c.c.Set(key, value, 1)
}

func (c *Cache[V]) Delete(key string) {
	c.c.Del(key)
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.c.Clear()
}

// Wait blocks until buffered writes are applied.
func (c *Cache[V]) Wait() {
	c.c.Wait()
}

func (c *Cache[V]) Close() {
	c.c.Close()
}
