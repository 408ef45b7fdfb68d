package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// URLCache keeps signed attachment URLs in Redis so repeated renders of the
// same task do not re-sign on every probe. Every cache failure degrades to a
// miss; the backing store is always authoritative.
type URLCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewURLCache creates a cache with the given TTL. The TTL must be shorter
// than the signed URL validity window or readers may receive expired links.
func NewURLCache(client *redis.Client, ttl time.Duration) *URLCache {
	if ttl < 0 {
		ttl = 0
	}
	return &URLCache{redis: client, ttl: ttl}
}

// Get returns the cached signed URL for a task, if any.
func (c *URLCache) Get(ctx context.Context, taskID string) (string, bool) {
	if c == nil || c.redis == nil {
		return "", false
	}
	url, err := c.redis.Get(ctx, urlCacheKey(taskID)).Result()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, urlCacheKey(taskID)).Err()
		}
		return "", false
	}
	if url == "" {
		return "", false
	}
	return url, true
}

// Put stores a freshly signed URL.
func (c *URLCache) Put(ctx context.Context, taskID, url string) {
	if c == nil || c.redis == nil || c.ttl == 0 || url == "" {
		return
	}
	_ = c.redis.Set(ctx, urlCacheKey(taskID), url, c.ttl).Err()
}

// Evict drops the cached URL after the attachment changed or was removed.
func (c *URLCache) Evict(ctx context.Context, taskID string) {
	if c == nil || c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, urlCacheKey(taskID)).Err()
}

func urlCacheKey(taskID string) string {
	return "atturl:" + taskID
}
