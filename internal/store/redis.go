// Package store wraps the distributed low-latency store (Redis) behind
// the small set of operations the validation pipeline needs: keyed
// get/set with TTL, capped list append, and atomic counters with expiry.
// Every call carries a short timeout so a slow store degrades to a miss
// instead of blowing the latency budget.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin client over Redis with per-call timeouts and a key
// prefix shared by all pipeline state.
type Store struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

// NewClient builds a Redis client with pooling and timeouts tuned for
// the sub-100ms validation budget.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     16,
		MinIdleConns: 2,

		DialTimeout:  2 * time.Second,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,

		MaxRetries:      1,
		MinRetryBackoff: 5 * time.Millisecond,
		MaxRetryBackoff: 20 * time.Millisecond,
	})
}

// New creates a Store over an existing client.
func New(client *redis.Client, timeout time.Duration, prefix string) *Store {
	if timeout <= 0 {
		timeout = 25 * time.Millisecond
	}
	return &Store{client: client, timeout: timeout, prefix: prefix}
}

// Key joins parts under the store's prefix.
func (s *Store) Key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		if k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

// GetBytes returns the value at key, with ok=false on a miss. redis.Nil
// is a miss, not an error.
func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// SetBytes stores a value with a TTL.
func (s *Store) SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PushCapped prepends a value to a list, trims the list to cap entries
// and refreshes its TTL.
func (s *Store) PushCapped(ctx context.Context, key string, val []byte, cap int64, ttl time.Duration) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if err := s.client.LPush(ctx, key, val).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	if err := s.client.LTrim(ctx, key, 0, cap-1).Err(); err != nil {
		return fmt.Errorf("redis ltrim %s: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

// Range returns list entries newest-first between start and stop.
func (s *Store) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return vals, nil
}

// IncrWithExpiry atomically increments a counter, setting its expiry on
// first use. Used for rate counters and mirror cadence.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return n, nil
}

// PingContext tests connectivity for health checks.
func (s *Store) PingContext(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
