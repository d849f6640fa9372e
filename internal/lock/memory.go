package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLock implements DistributedLock inside one process.
type MemoryLock struct {
	mu    sync.Mutex
	holds map[string]memHold
}

type memHold struct {
	token string
	timer *time.Timer
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{holds: make(map[string]memHold)}
}

func (l *MemoryLock) Name() string { return "memory" }

func (l *MemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.holds[key]; held {
		return nil, false, nil
	}
	token := uuid.NewString()
	h := memHold{token: token}
	if ttl > 0 {
		h.timer = time.AfterFunc(ttl, func() { l.release(key, token) })
	}
	l.holds[key] = h

	var once sync.Once
	return func() { once.Do(func() { l.release(key, token) }) }, true, nil
}

// release frees key only if it is still held under token, so a TTL timer of an
// earlier holder cannot free a later one.
func (l *MemoryLock) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holds[key]
	if !ok || h.token != token {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(l.holds, key)
}

// Held reports whether key is currently held.
func (l *MemoryLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.holds[key]
	return ok
}
