// Package searchcache provides a Redis-backed cache for search results.
package searchcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noa10/mataresit-app-sub010/internal/search"
)

const defaultTTL = 15 * time.Minute

// Stats reports cache effectiveness since process start.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Efficiency float64 `json:"efficiency"` // hits / (hits + misses), 0..1
}

// RedisCache stores search responses keyed by user and query parameters.
// Staleness policy is owned here: entries expire via TTL and are dropped
// wholesale for a user when their data changes.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Redis-backed search cache from a redis:// URL.
func New(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient creates a cache from an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: "search:",
		ttl:    ttl,
	}
}

// key layout: search:<userID>:<paramsHash>. The user segment makes
// per-user invalidation a prefix scan.
func (c *RedisCache) key(p search.Params, userID string) string {
	return c.prefix + userID + ":" + p.CacheKey(userID)
}

// Get returns the cached response for a user's search, or (nil, nil) on a
// miss, and counts the outcome toward the hit/miss stats.
func (c *RedisCache) Get(ctx context.Context, p search.Params, userID string) (*search.Response, error) {
	resp, err := c.Peek(ctx, p, userID)
	if err != nil || resp == nil {
		c.misses.Add(1)
		return resp, err
	}
	c.hits.Add(1)
	return resp, nil
}

// Peek reads an entry without touching the counters. Results polling goes
// through here so Stats reflects only search execution traffic.
func (c *RedisCache) Peek(ctx context.Context, p search.Params, userID string) (*search.Response, error) {
	raw, err := c.client.Get(ctx, c.key(p, userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var resp search.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return &resp, nil
}

// Put stores a search response under the cache TTL.
func (c *RedisCache) Put(ctx context.Context, p search.Params, userID string, resp *search.Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(p, userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate drops every cached search for one user. Called after receipt
// or claim writes so stale results are not served.
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	pattern := c.prefix + userID + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("cache invalidate: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan: %w", err)
	}
	return nil
}

// Stats returns hit/miss counters and the derived efficiency ratio.
func (c *RedisCache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	s := Stats{Hits: hits, Misses: misses}
	if total > 0 {
		s.Efficiency = float64(hits) / float64(total)
	}
	return s
}

// HitRate returns the efficiency ratio alone, for callers that only chart
// the headline number.
func (c *RedisCache) HitRate() float64 {
	return c.Stats().Efficiency
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
