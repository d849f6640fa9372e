package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultAcquireTimeout bounds the wait for a free connection of the lock pool.
const DefaultAcquireTimeout = 500 * time.Millisecond

// AdvisoryLock implements DistributedLock with Postgres session advisory locks
// keyed by a 64-bit hash of the lock key. Each held lock pins one connection,
// so pool must be dedicated to locking: sharing it with the store lets lock
// holders starve their own transactions.
//
// Advisory locks have no TTL, so a timer force-releases after ttl. This is best
// effort: if the process dies while holding, the lock lives until Postgres
// reaps the session.
type AdvisoryLock struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

func NewAdvisoryLock(pool *pgxpool.Pool) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, acquireTimeout: DefaultAcquireTimeout}
}

func (l *AdvisoryLock) Name() string { return "postgres" }

func (l *AdvisoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockID := hashToInt64(key)

	actx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()
	conn, err := l.pool.Acquire(actx)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, false, cerr
		}
		if l.exhausted() {
			// every lock connection is pinned by a holder: as good as busy
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: acquire connection for %s: %v", ErrUnavailable, key, err)
	}

	var acquired bool
	if err := conn.QueryRow(actx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		if cerr := ctx.Err(); cerr != nil {
			return nil, false, cerr
		}
		return nil, false, fmt.Errorf("%w: try advisory lock for %s: %v", ErrUnavailable, key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
				// closing the session drops every advisory lock it holds
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}
	if ttl > 0 {
		// a late fire after an explicit release is a no-op
		time.AfterFunc(ttl, release)
	}
	return release, true, nil
}

func (l *AdvisoryLock) exhausted() bool {
	st := l.pool.Stat()
	return st.AcquiredConns() >= st.MaxConns()
}

// hashToInt64 converts a string key to an int64 using FNV-1a.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // masked to non-negative range
}
