package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKey is the Redis set holding subscriber IDs.
const redisKey = "cents:subscribers"

// Redis stores subscribers in a Redis set.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis backend from a redis:// or rediss:// URL.
func NewRedis(rawURL string) (*Redis, error) {
	if rawURL == "" {
		return nil, errors.New("REDIS_URL is required for redis storage")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Name implements Backend.
func (*Redis) Name() string { return "redis" }

// Ping implements Backend.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Upsert implements Backend.
func (r *Redis) Upsert(ctx context.Context, id string) error {
	if err := r.client.SAdd(ctx, redisKey, id).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", redisKey, err)
	}
	return nil
}

// Delete implements Backend.
func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.SRem(ctx, redisKey, id).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", redisKey, err)
	}
	return nil
}

// ListAll implements Backend.
func (r *Redis) ListAll(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", redisKey, err)
	}
	return ids, nil
}

// Close implements Backend.
func (r *Redis) Close() error {
	return r.client.Close()
}
