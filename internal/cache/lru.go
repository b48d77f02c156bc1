package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is an in-process cache bounded by entry count. Entries expire after
// the cache-wide TTL or their own shorter TTL, whichever comes first.
type LRU struct {
	lru *expirable.LRU[string, lruEntry]
	now func() time.Time
}

type lruEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewLRU creates a cache holding at most size entries for at most ttl.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 1024
	}
	return &LRU{
		lru: expirable.NewLRU[string, lruEntry](size, nil, ttl),
		now: time.Now,
	}
}

// Get retrieves a value.
func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return e.data, true, nil
}

// Set stores a value. A positive ttl shortens the cache-wide TTL for this
// entry.
func (c *LRU) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	e := lruEntry{data: data}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.lru.Add(key, e)
	return nil
}

// Delete removes a value.
func (c *LRU) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of cached entries.
func (c *LRU) Len() int { return c.lru.Len() }

// Close purges the cache.
func (c *LRU) Close() error {
	c.lru.Purge()
	return nil
}

var _ Cache = (*LRU)(nil)
