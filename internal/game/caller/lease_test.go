package caller

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLease(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)}
	l := NewMemoryLease(clock.Now)
	ctx := context.Background()

	tok, ok, err := l.Acquire(ctx, "s1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "s1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lease is exclusive")

	_, ok, _ = l.Acquire(ctx, "s2", 10*time.Second)
	assert.True(t, ok, "leases are per session")

	require.NoError(t, l.Release(ctx, "s1", "someone-else"))
	_, ok, _ = l.Acquire(ctx, "s1", 10*time.Second)
	assert.False(t, ok, "foreign token must not release")

	require.NoError(t, l.Release(ctx, "s1", tok))
	_, ok, _ = l.Acquire(ctx, "s1", 10*time.Second)
	assert.True(t, ok)

	clock.Advance(11 * time.Second)
	_, ok, _ = l.Acquire(ctx, "s1", 10*time.Second)
	assert.True(t, ok, "expired lease can be taken over")
}

// ---------- Redis（miniredis）实现测试 ----------
func TestRedisLease(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLease(rdb)
	ctx := context.Background()

	tok, ok, err := l.Acquire(ctx, "s1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(leaseKey("s1")))
	assert.Equal(t, 10*time.Second, mr.TTL(leaseKey("s1")))

	_, ok, err = l.Acquire(ctx, "s1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "s1", "someone-else"))
	assert.True(t, mr.Exists(leaseKey("s1")))

	require.NoError(t, l.Release(ctx, "s1", tok))
	assert.False(t, mr.Exists(leaseKey("s1")))

	_, ok, err = l.Acquire(ctx, "s1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(11 * time.Second)
	_, ok, err = l.Acquire(ctx, "s1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "crashed holder's lease expires")
}

func TestRedisLease_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	_, ok, err := NewRedisLease(rdb).Acquire(context.Background(), "s1", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
}
