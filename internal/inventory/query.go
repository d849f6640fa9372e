package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/catalog"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// SnapshotCache is an optional short-lived cache in front of the store.
type SnapshotCache interface {
	Get(ctx context.Context, key stock.Key) (stock.Snapshot, bool, error)
	Set(ctx context.Context, s stock.Snapshot) error
}

// QueryService is the read path for stock badges. It never touches the
// reservation lock; results are eventually consistent with active reservations.
type QueryService struct {
	store   stock.Store
	catalog catalog.Catalog
	cache   SnapshotCache
	group   singleflight.Group
	log     zerolog.Logger
	now     func() time.Time
}

func NewQueryService(store stock.Store, cat catalog.Catalog, cache SnapshotCache, log zerolog.Logger) *QueryService {
	return &QueryService{store: store, catalog: cat, cache: cache, log: log, now: time.Now}
}

func (q *QueryService) CheckAvailableStock(ctx context.Context, key stock.Key) (stock.Snapshot, error) {
	if q.cache != nil {
		s, ok, err := q.cache.Get(ctx, key)
		if err != nil {
			q.log.Warn().Err(err).Str("key", key.String()).Msg("snapshot cache read failed")
		} else if ok {
			return s, nil
		}
	}

	v, err, _ := q.group.Do(key.String(), func() (any, error) {
		s, err := computeSnapshot(ctx, q.store, q.catalog, key, q.now())
		if err != nil {
			return stock.Snapshot{}, err
		}
		if q.cache != nil {
			if err := q.cache.Set(ctx, s); err != nil {
				q.log.Warn().Err(err).Str("key", key.String()).Msg("snapshot cache write failed")
			}
		}
		return s, nil
	})
	if err != nil {
		return stock.Snapshot{}, err
	}
	return v.(stock.Snapshot), nil
}

// computeSnapshot derives the live view of key from the ledger row and
// reservation rows. Unseen keys are answered from the catalog without
// creating a row.
func computeSnapshot(ctx context.Context, store stock.Store, cat catalog.Catalog, key stock.Key, now time.Time) (stock.Snapshot, error) {
	ps, err := store.GetStock(ctx, key)
	if errors.Is(err, stock.ErrNotFound) {
		total, err := cat.FetchTotalStock(ctx, key)
		if err != nil {
			return stock.Snapshot{}, err
		}
		return stock.Snapshot{
			ProductID:      key.ProductID,
			VariationID:    key.VariationID,
			TotalStock:     total,
			AvailableStock: total,
		}, nil
	}
	if err != nil {
		return stock.Snapshot{}, err
	}
	u, err := store.Usage(ctx, key, now, ps.LastSyncAt)
	if err != nil {
		return stock.Snapshot{}, err
	}
	ps.Apply(u, now)
	return ps.Snapshot(), nil
}
