// Package lock provides the per-stock-key mutual exclusion used by the
// reservation core: a Redis SET NX lock as primary, a Postgres advisory lock
// as fallback when Redis is unreachable, and an in-memory lock for tests and
// single-instance deployments.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL covers one reservation transaction and bounds how long a crashed
// holder can block a key.
const DefaultTTL = 30 * time.Second

// ErrUnavailable wraps transport failures of a backend (connection refused,
// timeout). A held lock is not an error.
var ErrUnavailable = errors.New("lock backend unavailable")

// DistributedLock is a non-blocking, TTL-bounded mutex keyed by string.
type DistributedLock interface {
	// TryAcquire makes a single attempt. It returns (nil, false, nil) when the
	// key is held by someone else. The returned release func is idempotent and
	// only releases this holder's acquisition.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Named backends report themselves in metrics and logs.
type Named interface {
	Name() string
}

func nameOf(l DistributedLock) string {
	if n, ok := l.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
