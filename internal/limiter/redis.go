// Package limiter provides request rate limiting for the sync channels.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter reports whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Redis implements a fixed-window counter per key. Windows are tracked as
// Redis keys with a TTL, so idle clients cost nothing.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedis connects to Redis and returns a limiter allowing limit requests
// per window for each key.
func NewRedis(redisURL string, limit int, window time.Duration) (*Redis, error) {
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

	return &Redis{
		client: client,
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
	}, nil
}

// NewRedisWithClient builds a limiter from an existing client.
func NewRedisWithClient(client *redis.Client, limit int, window time.Duration) *Redis {
	return &Redis{client: client, limit: limit, window: window, prefix: "ratelimit:"}
}

func (l *Redis) key(key string, now time.Time) string {
	bucket := now.UnixNano() / int64(l.window)
	return fmt.Sprintf("%s%s:%d", l.prefix, key, bucket)
}

// Allow increments the counter for the current window and reports whether
// the caller is within the limit.
func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := l.key(key, time.Now())
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("increment rate counter: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return false, fmt.Errorf("set rate counter ttl: %w", err)
		}
	}
	return count <= int64(l.limit), nil
}

// Ping checks if Redis is reachable.
func (l *Redis) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *Redis) Close() error {
	return l.client.Close()
}
