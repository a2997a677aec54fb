package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventKeyPrefix = "event:"
	cidKeyPrefix   = "ipfs:hash:"

	// DefaultCacheTTL bounds how long event bodies live in the fast tier.
	DefaultCacheTTL = time.Hour
)

// RedisConfig holds configuration for the cache tier.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache implements CacheBackend on a Redis server. The client owns its
// retry policy: capped exponential backoff on transient failures.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates the cache tier client.
func NewRedisCache(cfg RedisConfig) *RedisCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      5,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	})
	return &RedisCache{client: rdb, ttl: ttl}
}

func (c *RedisCache) GetEvent(ctx context.Context, hash string) ([]byte, error) {
	data, err := c.client.Get(ctx, eventKeyPrefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (c *RedisCache) SetEvent(ctx context.Context, hash string, data []byte) error {
	if err := c.client.Set(ctx, eventKeyPrefix+hash, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) GetCID(ctx context.Context, hash string) (string, error) {
	cid, err := c.client.Get(ctx, cidKeyPrefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return cid, nil
}

func (c *RedisCache) SetCID(ctx context.Context, hash, cid string) error {
	if err := c.client.Set(ctx, cidKeyPrefix+hash, cid, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
