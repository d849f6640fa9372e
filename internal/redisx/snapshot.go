package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// SnapshotCache keeps short-lived stock snapshots for the lock-free read path.
type SnapshotCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewSnapshotCache(rdb redis.UniversalClient, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = TTLStockSnapshot
	}
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

func (c *SnapshotCache) Get(ctx context.Context, key stock.Key) (stock.Snapshot, bool, error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyStockSnapshot, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return stock.Snapshot{}, false, nil
	}
	if err != nil {
		return stock.Snapshot{}, false, err
	}
	var s stock.Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return stock.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	if s.Key() != key {
		return stock.Snapshot{}, false, nil
	}
	return s, true, nil
}

func (c *SnapshotCache) Set(ctx context.Context, s stock.Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyStockSnapshot, s.Key()), b, c.ttl).Err()
}

// StockChanged refreshes the cached snapshot after a committed change.
func (c *SnapshotCache) StockChanged(ctx context.Context, s stock.Snapshot) {
	_ = c.Set(ctx, s)
}
