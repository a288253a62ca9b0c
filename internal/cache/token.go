package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenKey = "mpesa:access_token"

// RedisTokenCache shares the provider bearer token between gateway instances.
type RedisTokenCache struct {
	client *redis.Client
	key    string
}

// NewRedisTokenCache scopes the key by consumer key so sandbox and production
// credentials never share a token.
func NewRedisTokenCache(client *redis.Client, consumerKey string) *RedisTokenCache {
	return &RedisTokenCache{client: client, key: tokenKey + ":" + consumerKey}
}

func (c *RedisTokenCache) Get(ctx context.Context) (string, bool, error) {
	tok, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read token: %w", err)
	}
	return tok, tok != "", nil
}

func (c *RedisTokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	return c.client.Set(ctx, c.key, token, ttl).Err()
}

func (c *RedisTokenCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
