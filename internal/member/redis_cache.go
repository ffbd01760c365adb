package member

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache caches membership answers in front of another Checker. A TTL of
// zero disables caching entirely: every check falls through, so a revocation
// takes effect on the very next frame. Deployments that accept bounded
// staleness configure a small TTL.
type RedisCache struct {
	next   Checker
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(redisURL string, next Checker, ttl time.Duration) (*RedisCache, error) {
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

	return NewRedisCacheWithClient(client, next, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, next Checker, ttl time.Duration) *RedisCache {
	return &RedisCache{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: "membership:",
	}
}

func (c *RedisCache) key(personID, siteID string) string {
	return c.prefix + personID + ":" + siteID
}

func (c *RedisCache) IsMember(ctx context.Context, personID, siteID string) (bool, error) {
	if c.ttl <= 0 {
		return c.next.IsMember(ctx, personID, siteID)
	}

	key := c.key(personID, siteID)
	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return cached == "1", nil
	}
	if err != redis.Nil {
		return false, fmt.Errorf("read membership cache: %w", err)
	}

	member, err := c.next.IsMember(ctx, personID, siteID)
	if err != nil {
		return false, err
	}
	value := "0"
	if member {
		value = "1"
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		return false, fmt.Errorf("write membership cache: %w", err)
	}
	return member, nil
}

// Invalidate drops a cached answer, for callers that learn about a
// revocation before the TTL elapses.
func (c *RedisCache) Invalidate(ctx context.Context, personID, siteID string) error {
	if err := c.client.Del(ctx, c.key(personID, siteID)).Err(); err != nil {
		return fmt.Errorf("invalidate membership cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
