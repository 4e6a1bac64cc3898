package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCachePrefix = "ctx:"

// RedisCache keeps sessions as JSON blobs under a key prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisCacheOption customizes a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithCachePrefix overrides the key prefix, "ctx:" by default.
func WithCachePrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{client: client, prefix: defaultCachePrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(id string) string { return c.prefix + id }

// Get fetches and decodes a cached session.
func (c *RedisCache) Get(ctx context.Context, id string) (*Session, error) {
	const op = "session.cache.get"
	if id == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "id is required"}
	}
	payload, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, NotFoundError{Op: op, Resource: "session " + id}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("%s: decode session %s: %w", op, id, err)
	}
	return &s, nil
}

// Set stores a session with the given TTL, DefaultCacheTTL when ttl is
// not positive.
func (c *RedisCache) Set(ctx context.Context, s *Session, ttl time.Duration) error {
	const op = "session.cache.set"
	if s == nil || s.ID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "session with id is required"}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%s: encode session %s: %w", op, s.ID, err)
	}
	if err := c.client.Set(ctx, c.key(s.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Delete evicts a session. Evicting an absent key succeeds.
func (c *RedisCache) Delete(ctx context.Context, id string) error {
	const op = "session.cache.delete"
	if id == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "id is required"}
	}
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
