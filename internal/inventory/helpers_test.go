package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/catalog"
	"github.com/ariefcatur/go-stock-reservations/internal/lock"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	snaps []stock.Snapshot
}

func (r *recordingNotifier) StockChanged(_ context.Context, s stock.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingNotifier) last() stock.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return stock.Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type unreachableLock struct{}

func (unreachableLock) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, lock.ErrUnavailable
}

type fixture struct {
	store    *stock.MemoryStore
	locks    *lock.MemoryLock
	catalog  *catalog.Static
	clock    *testClock
	notifier *recordingNotifier
	mgr      *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    stock.NewMemoryStore(),
		locks:    lock.NewMemoryLock(),
		catalog:  catalog.NewStatic(),
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
	}
	f.mgr = NewManager(f.store, f.locks, f.catalog, cfg,
		WithClock(f.clock.Now),
		WithNotifier(f.notifier),
	)
	return f
}

func (f *fixture) reserve(t *testing.T, product string, qty int, session string) (stock.Reservation, error) {
	t.Helper()
	return f.mgr.CreateReservation(context.Background(), ReserveRequest{
		ProductID: product,
		Quantity:  qty,
		Owner:     stock.Owner{SessionID: session},
	})
}

func (f *fixture) mustReserve(t *testing.T, product string, qty int, session string) stock.Reservation {
	t.Helper()
	res, err := f.reserve(t, product, qty, session)
	require.NoError(t, err)
	return res
}

func (f *fixture) snapshot(t *testing.T, key stock.Key) stock.Snapshot {
	t.Helper()
	s, err := f.mgr.CheckAvailableStock(context.Background(), key)
	require.NoError(t, err)
	return s
}

// retryBusy repeats op while the per-key lock is busy, the way a caller would.
func retryBusy[T any](op func() (T, error)) (T, error) {
	for {
		v, err := op()
		if !errors.Is(err, stock.ErrLockBusy) {
			return v, err
		}
		time.Sleep(100 * time.Microsecond)
	}
}
