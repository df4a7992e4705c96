package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "perpwatcher:cooldown:"

// Guard claims alert cooldown keys in Redis so several instances share one cooldown.
type Guard struct {
	rdb    *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(redisURL, password, prefix string) (*Guard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Guard{rdb: rdb, prefix: prefix}, nil
}

// Close shuts down the Redis connection.
func (g *Guard) Close() error {
	return g.rdb.Close()
}

// Acquire sets key for ttl unless it already exists. It reports true when this
// caller claimed the key. Errors are returned as-is so callers can fail closed.
func (g *Guard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim cooldown %s: %w", key, err)
	}
	return ok, nil
}
