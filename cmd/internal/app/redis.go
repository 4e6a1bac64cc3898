package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a go-redis client and validates connectivity.
func NewRedisClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := PingRedis(ctx, client, 3*time.Second); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// PingRedis checks if the Redis server answers within timeout.
func PingRedis(parent context.Context, client *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	return client.Ping(ctx).Err()
}
