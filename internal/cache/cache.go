// Package cache keeps transform results between builds.
package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wolfeidau/assetpipe/internal/transform"
)

// DefaultSize is the number of transform results kept when no size is given
const DefaultSize = 4096

// TransformCache is a bounded, concurrency safe store of transform results keyed
// by path, rule fingerprint and content hash.
type TransformCache struct {
	entries *lru.Cache[string, *transform.Result]

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most size results
func New(size int) (*TransformCache, error) {
	if size <= 0 {
		size = DefaultSize
	}

	entries, err := lru.New[string, *transform.Result](size)
	if err != nil {
		return nil, err
	}
	return &TransformCache{entries: entries}, nil
}

func (c *TransformCache) Get(key string) (*transform.Result, bool) {
	res, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return res, ok
}

func (c *TransformCache) Add(key string, res *transform.Result) {
	c.entries.Add(key, res)
}

// Len returns the number of cached results
func (c *TransformCache) Len() int {
	return c.entries.Len()
}

// Stats returns lifetime hit and miss counts
func (c *TransformCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Purge drops every cached result
func (c *TransformCache) Purge() {
	c.entries.Purge()
}
