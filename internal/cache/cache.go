package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is the minimal key/value memo the indexer depends on.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V)
}

// NewLRU returns an expiring LRU, or a no-op cache when size or ttl is not
// positive.
func NewLRU[K comparable, V any](size int, ttl time.Duration) Cache[K, V] {
	if size <= 0 || ttl <= 0 {
		return Noop[K, V]{}
	}
	return &lruCache[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

type lruCache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

func (c *lruCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *lruCache[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
}

type Noop[K comparable, V any] struct{}

func (Noop[K, V]) Get(key K) (V, bool) {
	var zero V
	return zero, false
}

func (Noop[K, V]) Add(key K, value V) {}
