package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*ReservationCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewReservationCache(NewRedisCacheFromClient(client), 5*time.Minute), mr
}

func TestAcquireHold_UpToCeiling(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	wallet := "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"

	for i := 0; i < 3; i++ {
		ok, err := cache.AcquireHold(ctx, wallet, 3)
		require.NoError(t, err)
		assert.True(t, ok, "hold %d should be granted", i+1)
	}

	ok, err := cache.AcquireHold(ctx, wallet, 3)
	require.NoError(t, err)
	assert.False(t, ok, "fourth hold should be rejected")

	count, err := cache.PendingHolds(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "rejected acquire must not leak a hold")
}

func TestReleaseHold_FreesCapacity(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	wallet := "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"

	for i := 0; i < 2; i++ {
		_, err := cache.AcquireHold(ctx, wallet, 2)
		require.NoError(t, err)
	}

	require.NoError(t, cache.ReleaseHold(ctx, wallet))

	ok, err := cache.AcquireHold(ctx, wallet, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseHold_NoKeyIsNoop(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	err := cache.ReleaseHold(ctx, "4Nd1mYvM6wJhCCM3kC2q5S6V7xequezs6vGPjDXrNdtW")
	assert.NoError(t, err)

	count, err := cache.PendingHolds(ctx, "4Nd1mYvM6wJhCCM3kC2q5S6V7xequezs6vGPjDXrNdtW")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestHolds_ExpireOnTheirOwn(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	wallet := "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"

	ok, err := cache.AcquireHold(ctx, wallet, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// A crashed client never releases; the TTL is the safety net
	mr.FastForward(6 * time.Minute)

	ok, err = cache.AcquireHold(ctx, wallet, 1)
	require.NoError(t, err)
	assert.True(t, ok, "expired hold should not count against the ceiling")
}

func TestAllowRequest_FixedWindow(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := cache.AllowRequest(ctx, "10.0.0.1", 5)
		require.NoError(t, err)
		assert.True(t, ok, "request %d within limit", i+1)
	}

	ok, err := cache.AllowRequest(ctx, "10.0.0.1", 5)
	require.NoError(t, err)
	assert.False(t, ok, "sixth request should be throttled")

	// A different key has its own budget
	ok, err = cache.AllowRequest(ctx, "10.0.0.2", 5)
	require.NoError(t, err)
	assert.True(t, ok)
}
