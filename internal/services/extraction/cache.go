package extraction

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"steinline/internal/services"
)

// sweepThreshold bounds how many entries accumulate before expired ones are
// purged. The cache runs without a janitor goroutine.
const sweepThreshold = 4096

// Cached memoizes extracted text by content fingerprint so retry passes and
// duplicate primaries do not re-run expensive tools. The fingerprint is read
// from the context; calls without one fall back to the path.
type Cached struct {
	inner Extractor
	cache *gocache.Cache
}

// NewCached wraps inner with a TTL cache. A non-positive ttl returns inner
// unchanged.
func NewCached(inner Extractor, ttl time.Duration) Extractor {
	if ttl <= 0 {
		return inner
	}
	return &Cached{inner: inner, cache: gocache.New(ttl, 0)}
}

// Extract implements Extractor.
func (c *Cached) Extract(ctx context.Context, path string) (string, error) {
	key := path
	if fp, ok := services.FingerprintFromContext(ctx); ok {
		key = fp
	}
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}
	text, err := c.inner.Extract(ctx, path)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault(key, text)
	if c.cache.ItemCount() > sweepThreshold {
		c.cache.DeleteExpired()
	}
	return text, nil
}

// Len reports the number of cached entries.
func (c *Cached) Len() int { return c.cache.ItemCount() }
