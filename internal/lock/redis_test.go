package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLock(rdb, "lock:stock:"), mr
}

func TestRedisLockTryAcquire(t *testing.T) {
	l, mr := newTestRedisLock(t)
	ctx := context.Background()

	release, acquired, err := l.TryAcquire(ctx, "p1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	require.True(t, mr.Exists("lock:stock:p1"))
	ttl := mr.TTL("lock:stock:p1")
	assert.True(t, ttl > 0 && ttl <= 30*time.Second, "unexpected TTL %v", ttl)

	_, acquired, err = l.TryAcquire(ctx, "p1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	release()
	assert.False(t, mr.Exists("lock:stock:p1"), "lock key survived release")
}

func TestRedisLockTTLExpiry(t *testing.T) {
	l, mr := newTestRedisLock(t)
	ctx := context.Background()

	_, ok, _ := l.TryAcquire(ctx, "p1", 5*time.Second)
	require.True(t, ok)
	mr.FastForward(6 * time.Second)

	release, ok, err := l.TryAcquire(ctx, "p1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	release()
}

func TestRedisLockReleaseChecksToken(t *testing.T) {
	l, mr := newTestRedisLock(t)

	_, ok, _ := l.TryAcquire(context.Background(), "p1", 5*time.Second)
	require.True(t, ok)
	// A holder whose lease expired must not free the next holder.
	l.buildRelease("p1", "someone-else")()
	assert.True(t, mr.Exists("lock:stock:p1"), "release with a foreign token deleted the lock")
}

func TestRedisLockUnavailable(t *testing.T) {
	l, mr := newTestRedisLock(t)
	mr.Close()

	_, ok, err := l.TryAcquire(context.Background(), "p1", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisLockCancelledContextIsNotUnavailable(t *testing.T) {
	l, mr := newTestRedisLock(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := l.TryAcquire(ctx, "p1", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.False(t, mr.Exists("lock:stock:p1"))
}
