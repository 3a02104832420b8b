package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReservationCache tracks per-wallet reservation holds and request rates in
// Redis so the counts survive process restarts and stay consistent across
// server instances. Keys expire on their own; a crashed server never leaves
// a wallet permanently locked out.
type ReservationCache struct {
	cache   *RedisCache
	holdTTL time.Duration
}

// NewReservationCache creates a reservation cache
func NewReservationCache(cache *RedisCache, holdTTL time.Duration) *ReservationCache {
	return &ReservationCache{cache: cache, holdTTL: holdTTL}
}

func holdKey(wallet string) string {
	return fmt.Sprintf("canvas:hold:%s", wallet)
}

func rateKey(key string, window time.Time) string {
	return fmt.Sprintf("canvas:rate:%s:%d", key, window.Unix())
}

// AcquireHold increments the wallet's pending reservation count, enforcing
// the configured ceiling. Returns false when the wallet already holds the
// maximum number of unpaid reservations.
func (c *ReservationCache) AcquireHold(ctx context.Context, wallet string, max int) (bool, error) {
	key := holdKey(wallet)

	count, err := c.cache.Client().Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("acquire hold: %w", err)
	}
	// Refresh TTL on every acquire; holds decay rather than accumulate
	if err := c.cache.Client().Expire(ctx, key, c.holdTTL).Err(); err != nil {
		return false, fmt.Errorf("set hold expiry: %w", err)
	}

	if count > int64(max) {
		// Undo the optimistic increment
		if err := c.cache.Client().Decr(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("release excess hold: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// ReleaseHold decrements the wallet's pending reservation count. Called when
// a placement reaches a terminal state or payment is confirmed.
func (c *ReservationCache) ReleaseHold(ctx context.Context, wallet string) error {
	key := holdKey(wallet)

	count, err := c.cache.Client().Decr(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	if count <= 0 {
		// Holds never go negative; drop the key entirely
		if err := c.cache.Client().Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("clear hold key: %w", err)
		}
	}
	return nil
}

// PendingHolds returns the wallet's current pending reservation count
func (c *ReservationCache) PendingHolds(ctx context.Context, wallet string) (int, error) {
	val, err := c.cache.Client().Get(ctx, holdKey(wallet)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read holds: %w", err)
	}
	if val < 0 {
		return 0, nil
	}
	return val, nil
}

// AllowRequest implements a fixed-window rate limit over Redis. The window
// is one minute; the key carries the window start so stale windows expire
// on their own.
func (c *ReservationCache) AllowRequest(ctx context.Context, key string, limit int) (bool, error) {
	window := time.Now().UTC().Truncate(time.Minute)
	redisKey := rateKey(key, window)

	count, err := c.cache.Client().Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := c.cache.Client().Expire(ctx, redisKey, 2*time.Minute).Err(); err != nil {
			return false, fmt.Errorf("rate limit expiry: %w", err)
		}
	}

	return count <= int64(limit), nil
}
