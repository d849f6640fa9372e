package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downLock struct{}

func (downLock) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, errors.New("dial tcp: connection refused")
}

type unreachableLock struct{ calls atomic.Int64 }

func (u *unreachableLock) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	u.calls.Add(1)
	return nil, false, ErrUnavailable
}

func TestFallbackUsesPrimaryWhenHealthy(t *testing.T) {
	primary := NewMemoryLock()
	secondary := NewMemoryLock()
	f := NewFallback(primary, secondary, zerolog.Nop(), nil)

	release, ok, err := f.TryAcquire(context.Background(), "p1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()
	assert.True(t, primary.Held("p1"))
	assert.False(t, secondary.Held("p1"))
	assert.Equal(t, "memory+memory", f.Name())
}

func TestFallbackBusyPrimaryIsNotBypassed(t *testing.T) {
	primary := NewMemoryLock()
	secondary := NewMemoryLock()
	f := NewFallback(primary, secondary, zerolog.Nop(), nil)

	hold, _, _ := primary.TryAcquire(context.Background(), "p1", 0)
	defer hold()

	_, ok, err := f.TryAcquire(context.Background(), "p1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, secondary.Held("p1"), "secondary consulted for a busy primary")
}

func TestFallbackSwitchesWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	secondary := NewMemoryLock()
	m := metrics.New("test")
	f := NewFallback(NewRedisLock(rdb, "lock:stock:"), secondary, zerolog.Nop(), m)

	release, ok, err := f.TryAcquire(context.Background(), "p1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, secondary.Held("p1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockAcquire.WithLabelValues("redis", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockAcquire.WithLabelValues("memory", "acquired")))

	release()
	assert.False(t, secondary.Held("p1"), "release did not reach the secondary")
}

func TestFallbackMutualExclusionOnSecondary(t *testing.T) {
	f := NewFallback(&unreachableLock{}, NewMemoryLock(), zerolog.Nop(), nil)
	ctx := context.Background()

	var (
		inside  atomic.Int64
		maxSeen atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; {
				release, ok, err := f.TryAcquire(ctx, "k", time.Second)
				if !assert.NoError(t, err) {
					return
				}
				if !ok {
					time.Sleep(20 * time.Microsecond)
					continue
				}
				if v := inside.Add(1); v > 1 {
					maxSeen.Store(v)
				}
				time.Sleep(10 * time.Microsecond)
				inside.Add(-1)
				release()
				j++
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(1), "mutual exclusion violated")
}

func TestFallbackBothDown(t *testing.T) {
	primary := &unreachableLock{}
	f := NewFallback(primary, &unreachableLock{}, zerolog.Nop(), nil)

	_, ok, err := f.TryAcquire(context.Background(), "p1", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestFallbackPassesThroughOtherErrors(t *testing.T) {
	secondary := NewMemoryLock()
	f := NewFallback(downLock{}, secondary, zerolog.Nop(), nil)

	_, _, err := f.TryAcquire(context.Background(), "p1", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.False(t, secondary.Held("p1"), "secondary used for a non-transport error")
	assert.Equal(t, "unknown+memory", f.Name())
}

func TestFallbackCancelledContextSkipsSecondary(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	secondary := &unreachableLock{}
	m := metrics.New("test")
	f := NewFallback(NewRedisLock(rdb, "lock:stock:"), secondary, zerolog.Nop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := f.TryAcquire(ctx, "p1", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, secondary.calls.Load())
	assert.Zero(t, testutil.ToFloat64(m.LockAcquire.WithLabelValues("redis", "unavailable")))
}

func TestFallbackExpiredContextAfterPrimaryFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := lockFunc(func(context.Context, string, time.Duration) (func(), bool, error) {
		// the caller gives up while the primary is failing
		cancel()
		return nil, false, ErrUnavailable
	})
	secondary := NewMemoryLock()
	f := NewFallback(primary, secondary, zerolog.Nop(), nil)

	_, ok, err := f.TryAcquire(ctx, "p1", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, secondary.Held("p1"))
}

type lockFunc func(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)

func (f lockFunc) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	return f(ctx, key, ttl)
}
