package directory

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCacheSize = 1024

// cached memoizes lookups of a slower Directory for a fixed TTL. Users
// without an active identity are cached too; errors are not.
type cached struct {
	next  Directory
	cache *expirable.LRU[string, string]
}

// WithCache wraps d in a TTL cache. A ttl <= 0 returns d unchanged.
func WithCache(d Directory, size int, ttl time.Duration) Directory {
	if ttl <= 0 {
		return d
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	return &cached{next: d, cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *cached) ActiveIdentityFor(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if id, ok := c.cache.Get(userID); ok {
		return id, nil
	}
	id, err := c.next.ActiveIdentityFor(ctx, userID)
	if err != nil {
		return "", err
	}
	c.cache.Add(userID, id)
	return id, nil
}

// Forget drops a cached entry so the next lookup goes to the backing store.
func (c *cached) Forget(userID string) {
	c.cache.Remove(strings.TrimSpace(userID))
}

func (c *cached) Close() error {
	c.cache.Purge()
	return c.next.Close()
}
