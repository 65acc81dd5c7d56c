package warehouse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Caching memoises query results for a bounded time. The orchestrator purges
// it after every completed sync.
type Caching struct {
	Next  Client
	cache *expirable.LRU[string, []Row]
}

// WithCache wraps c with an expirable LRU. size <= 0 disables caching.
func WithCache(c Client, size int, ttl time.Duration) *Caching {
	if size <= 0 {
		return &Caching{Next: c}
	}
	return &Caching{Next: c, cache: expirable.NewLRU[string, []Row](size, nil, ttl)}
}

func (c *Caching) Query(ctx context.Context, q Query) ([]Row, error) {
	if c.cache == nil {
		return c.Next.Query(ctx, q)
	}
	key := cacheKey(q)
	if rows, ok := c.cache.Get(key); ok {
		return rows, nil
	}
	rows, err := c.Next.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, rows)
	return rows, nil
}

// Purge drops every cached result.
func (c *Caching) Purge() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

func cacheKey(q Query) string {
	params, _ := json.Marshal(q.Params)
	return q.Name + "|" + q.SQL + "|" + string(params)
}
