package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"reportkit/api/internal/slices"
)

// LRU is a per-process cache of materialized slices with a fixed TTL.
type LRU struct {
	entries *expirable.LRU[string, slices.Result]
}

func NewLRU(maxSize int, ttl time.Duration) *LRU {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LRU{entries: expirable.NewLRU[string, slices.Result](maxSize, nil, ttl)}
}

func (c *LRU) GetOrLoad(ctx context.Context, key string, load func(context.Context) slices.Result) slices.Result {
	if cached, ok := c.entries.Get(key); ok {
		cacheHitsTotal.WithLabelValues("lru").Inc()
		return cached
	}
	cacheMissesTotal.WithLabelValues("lru").Inc()

	result := load(ctx)
	if result.Resolved() {
		c.entries.Add(key, result)
	}
	return result
}

// Len reports the number of live entries.
func (c *LRU) Len() int {
	return c.entries.Len()
}
