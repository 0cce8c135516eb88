package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore counts hits in Redis so the limit holds across replicas.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Hit increments the window counter for key, starting the window on the first hit.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("rate limit hit: %w", err)
	}

	reset := ttl.Val()
	if reset < 0 {
		// First hit in this window; concurrent first hits both set an expiry, which is harmless.
		if err := s.rdb.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("rate limit expire: %w", err)
		}
		reset = window
	}
	return incr.Val(), reset, nil
}
