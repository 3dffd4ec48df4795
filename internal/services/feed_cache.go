package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CacheKeyPrefix is the Redis key prefix for cached data
	CacheKeyPrefix = "cache:"
	// DefaultFeedCacheTTL bounds how stale a cached feed page can get
	DefaultFeedCacheTTL = 30 * time.Second
	// MaxFeedCacheTTL caps configured TTLs
	MaxFeedCacheTTL = 5 * time.Minute

	feedGenerationKey = CacheKeyPrefix + "feed:gen"
)

// FeedCache holds rendered feed pages. A miss is not an error.
type FeedCache interface {
	Get(ctx context.Context, limit, skip int) (FeedResult, bool, error)
	Set(ctx context.Context, limit, skip int, feed FeedResult) error
	// Invalidate drops every cached page.
	Invalidate(ctx context.Context) error
}

// RedisFeedCache keys pages by a generation counter, so invalidation is a
// single INCR and old pages age out on their TTL.
type RedisFeedCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisFeedCache(client *redis.Client, ttl time.Duration) *RedisFeedCache {
	// Clamp TTL
	if ttl <= 0 {
		ttl = DefaultFeedCacheTTL
	}
	if ttl > MaxFeedCacheTTL {
		ttl = MaxFeedCacheTTL
	}
	return &RedisFeedCache{client: client, ttl: ttl}
}

func (c *RedisFeedCache) pageKey(ctx context.Context, limit, skip int) (string, error) {
	gen, err := c.client.Get(ctx, feedGenerationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return FeedCacheKey(gen, limit, skip), nil
}

func (c *RedisFeedCache) Get(ctx context.Context, limit, skip int) (FeedResult, bool, error) {
	key, err := c.pageKey(ctx, limit, skip)
	if err != nil {
		return FeedResult{}, false, err
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return FeedResult{}, false, nil
	} else if err != nil {
		return FeedResult{}, false, err
	}

	var feed FeedResult
	if err := json.Unmarshal(val, &feed); err != nil {
		// treat a corrupt entry as a miss; the next Set overwrites it
		return FeedResult{}, false, nil
	}
	return feed, true, nil
}

func (c *RedisFeedCache) Set(ctx context.Context, limit, skip int, feed FeedResult) error {
	key, err := c.pageKey(ctx, limit, skip)
	if err != nil {
		return err
	}
	jsonData, err := json.Marshal(feed)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, jsonData, c.ttl).Err()
}

func (c *RedisFeedCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, feedGenerationKey).Err()
}

// FeedCacheKey generates the cache key for one feed page
func FeedCacheKey(generation int64, limit, skip int) string {
	return fmt.Sprintf("%sfeed:%d:%d:%d", CacheKeyPrefix, generation, limit, skip)
}
