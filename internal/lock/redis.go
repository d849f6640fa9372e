package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`)

// RedisLock implements DistributedLock with SET NX PX. The key expires on its
// own after ttl, so a crashed holder never blocks a product for longer.
type RedisLock struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisLock(rdb redis.UniversalClient, prefix string) *RedisLock {
	return &RedisLock{rdb: rdb, prefix: prefix}
}

func (l *RedisLock) Name() string { return "redis" }

func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, false, cerr
		}
		return nil, false, fmt.Errorf("%w: redis set %s: %v", ErrUnavailable, key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.buildRelease(key, token), true, nil
}

func (l *RedisLock) buildRelease(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// caller ctx may already be cancelled
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			// on failure the key still expires by TTL
			_ = releaseScript.Run(ctx, l.rdb, []string{l.prefix + key}, token).Err()
		})
	}
}
