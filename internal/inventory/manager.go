package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/catalog"
	"github.com/ariefcatur/go-stock-reservations/internal/lock"
	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("inventory")

const (
	DefaultReservationTTL    = 15 * time.Minute
	DefaultMaxActivePerOwner = 10
	syncSourceCatalog        = "catalog"
)

type Config struct {
	LockTTL           time.Duration
	ReservationTTL    time.Duration
	MaxActivePerOwner int
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = lock.DefaultTTL
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.MaxActivePerOwner <= 0 {
		c.MaxActivePerOwner = DefaultMaxActivePerOwner
	}
	return c
}

// Manager creates, confirms and releases reservations. Every mutation of a key
// runs under that key's distributed lock and inside one store transaction that
// covers the reservation row, the ledger row and the audit entry.
type Manager struct {
	store    stock.Store
	locks    lock.DistributedLock
	catalog  catalog.Catalog
	notifier Notifier
	dedup    Deduper
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithDeduper skips catalog events that were already applied.
func WithDeduper(d Deduper) Option { return func(m *Manager) { m.dedup = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(store stock.Store, locks lock.DistributedLock, cat catalog.Catalog, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		locks:    locks,
		catalog:  cat,
		notifier: nopNotifier{},
		cfg:      cfg.withDefaults(),
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type ReserveRequest struct {
	ProductID   string
	VariationID string
	Quantity    int
	Owner       stock.Owner
	CartItemID  string
}

func (r ReserveRequest) Key() stock.Key {
	return stock.Key{ProductID: r.ProductID, VariationID: r.VariationID}
}

// CreateReservation holds req.Quantity units for req.Owner for the reservation
// TTL. Rejections come back as ErrLockBusy, ErrLimitExceeded or
// *stock.InsufficientStockError; nothing is partially reserved.
func (m *Manager) CreateReservation(ctx context.Context, req ReserveRequest) (res stock.Reservation, err error) {
	ctx, span := m.startSpan(ctx, "inventory.CreateReservation", req.Key())
	defer func() { m.finish(span, "reserve", err) }()

	if req.ProductID == "" || req.Quantity <= 0 {
		return stock.Reservation{}, stock.ErrInvalidQuantity
	}
	if err := req.Owner.Validate(); err != nil {
		return stock.Reservation{}, err
	}
	key := req.Key()

	var (
		after   stock.ProductStock
		changed bool
	)
	err = m.withLock(ctx, key, func() error {
		seed, err := m.seedTotal(ctx, key)
		if err != nil {
			return err
		}

		// A rejection still commits: the seeded row and refreshed counters are worth keeping.
		var rejection error
		err = m.store.WithTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			now := m.now()
			rejection, changed = nil, false

			active, err := tx.CountActiveByOwner(ctx, req.Owner, now)
			if err != nil {
				return err
			}
			if active >= m.cfg.MaxActivePerOwner {
				rejection = stock.ErrLimitExceeded
				return nil
			}

			stored, err := m.loadStock(ctx, tx, key, seed, now)
			if err != nil {
				return err
			}
			before, err := recompute(ctx, tx, stored, now)
			if err != nil {
				return err
			}
			// lapsed holds or a fresh row change what readers see even on rejection
			changed = seed != nil || before.AvailableStock != stored.AvailableStock
			if before.AvailableStock < req.Quantity {
				rejection = &stock.InsufficientStockError{Requested: req.Quantity, Available: before.AvailableStock}
				after = before
				return nil
			}

			res = stock.Reservation{
				ID:          uuid.NewString(),
				ProductID:   req.ProductID,
				VariationID: req.VariationID,
				Quantity:    req.Quantity,
				UserID:      req.Owner.UserID,
				SessionID:   req.Owner.SessionID,
				Status:      stock.StatusActive,
				ReservedAt:  now,
				ExpiresAt:   now.Add(m.cfg.ReservationTTL),
				CartItemID:  req.CartItemID,
			}
			if err := tx.InsertReservation(ctx, res); err != nil {
				return err
			}
			if after, err = recompute(ctx, tx, before, now); err != nil {
				return err
			}
			changed = true
			_, err = tx.AppendAudit(ctx, auditFor(res, stock.ChangeReservationCreated, before, after, now,
				fmt.Sprintf("reserved %d units", req.Quantity)))
			return err
		})
		if err != nil {
			changed = false
			return err
		}
		return rejection
	})

	if changed {
		m.notify(ctx, after)
	}
	var insufficient *stock.InsufficientStockError
	switch {
	case err == nil:
		m.log.Debug().Str("reservation_id", res.ID).Str("key", key.String()).Int("qty", req.Quantity).
			Str("owner", req.Owner.String()).Msg("reservation created")
		return res, nil
	case errors.As(err, &insufficient):
		m.log.Debug().Str("key", key.String()).Int("requested", req.Quantity).
			Int("available", insufficient.Available).Msg("reservation rejected")
	}
	return stock.Reservation{}, err
}

// ConfirmReservation turns an active reservation into a sale. It returns
// (false, stock.ErrInvalidState) for reservations that are no longer active,
// including ones found past their expiry, which are marked expired on the spot.
func (m *Manager) ConfirmReservation(ctx context.Context, id string) (ok bool, err error) {
	return m.finishReservation(ctx, id, stock.StatusConfirmed, stock.ChangeReservationConfirmed)
}

// ReleaseReservation cancels an active reservation and returns its units to
// available stock. Same failure semantics as ConfirmReservation.
func (m *Manager) ReleaseReservation(ctx context.Context, id string) (ok bool, err error) {
	return m.finishReservation(ctx, id, stock.StatusReleased, stock.ChangeReservationReleased)
}

func (m *Manager) finishReservation(ctx context.Context, id string, to stock.Status, change stock.ChangeType) (ok bool, err error) {
	op := "confirm"
	if to == stock.StatusReleased {
		op = "release"
	}
	ctx, span := tracer.Start(ctx, "inventory."+op, trace.WithAttributes(attribute.String("reservation.id", id)))
	defer func() { m.finish(span, op, err) }()

	res, err := m.store.GetReservation(ctx, id)
	if err != nil {
		return false, err
	}
	if res.Status != stock.StatusActive {
		return false, fmt.Errorf("%w: %s", stock.ErrInvalidState, res.Status)
	}
	key := res.Key()

	var (
		after   stock.ProductStock
		changed bool
	)
	err = m.withLock(ctx, key, func() error {
		var outcome error
		err := m.store.WithTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			now := m.now()
			outcome, changed = nil, false

			r, err := tx.GetReservationForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if r.Status != stock.StatusActive {
				outcome = fmt.Errorf("%w: %s", stock.ErrInvalidState, r.Status)
				return nil
			}

			target, reason := to, "released by caller"
			if to == stock.StatusConfirmed {
				reason = "confirmed as sale"
			}
			if !now.Before(r.ExpiresAt) {
				// never resurrect an expired hold
				target, change, reason = stock.StatusExpired, stock.ChangeReservationExpired, "expired before "+op
				outcome = fmt.Errorf("%w: %s", stock.ErrInvalidState, stock.StatusExpired)
			}
			if err := r.Transition(target, now); err != nil {
				return err
			}
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}

			before, err := tx.GetStockForUpdate(ctx, key)
			if err != nil {
				return err
			}
			if after, err = recompute(ctx, tx, before, now); err != nil {
				return err
			}
			changed = true
			_, err = tx.AppendAudit(ctx, auditFor(r, change, before, after, now, reason))
			return err
		})
		if err != nil {
			changed = false
			return err
		}
		return outcome
	})
	if changed {
		m.notify(ctx, after)
	}
	if err != nil {
		return false, err
	}
	m.log.Debug().Str("reservation_id", id).Str("key", key.String()).Str("status", string(to)).Msg("reservation finished")
	return true, nil
}

// CheckAvailableStock computes a lock-free snapshot for key.
func (m *Manager) CheckAvailableStock(ctx context.Context, key stock.Key) (stock.Snapshot, error) {
	return computeSnapshot(ctx, m.store, m.catalog, key, m.now())
}

// ListActiveReservations returns the owner's active, unexpired reservations.
func (m *Manager) ListActiveReservations(ctx context.Context, owner stock.Owner) ([]stock.Reservation, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	return m.store.ListActiveByOwner(ctx, owner, m.now())
}

// ResyncStock refreshes totalStock of key from the catalog. On catalog failure
// the stale row keeps serving and the error is returned.
func (m *Manager) ResyncStock(ctx context.Context, key stock.Key) (snap stock.Snapshot, err error) {
	ctx, span := m.startSpan(ctx, "inventory.ResyncStock", key)
	defer func() { m.finish(span, "resync", err) }()

	var after stock.ProductStock
	err = m.withLock(ctx, key, func() error {
		total, err := m.catalog.FetchTotalStock(ctx, key)
		if err != nil {
			m.log.Warn().Err(err).Str("key", key.String()).Msg("catalog resync failed, keeping cached stock")
			return err
		}
		return m.store.WithTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			now := m.now()
			before, err := m.loadStock(ctx, tx, key, &total, now)
			if err != nil {
				return err
			}
			synced := before
			synced.TotalStock = total
			synced.LastSyncAt = now
			synced.SyncSource = syncSourceCatalog
			if after, err = recompute(ctx, tx, synced, now); err != nil {
				return err
			}
			_, err = tx.AppendAudit(ctx, stock.AuditEntry{
				ProductID:     key.ProductID,
				VariationID:   key.VariationID,
				ChangeType:    stock.ChangeStockSynced,
				Quantity:      after.AvailableStock - before.AvailableStock,
				PreviousStock: before.AvailableStock,
				NewStock:      after.AvailableStock,
				Reason:        "catalog resync",
				CreatedAt:     now,
				Metadata:      map[string]any{"previous_total": before.TotalStock, "total": total},
			})
			return err
		})
	})
	if err != nil {
		return stock.Snapshot{}, err
	}
	m.notify(ctx, after)
	return after.Snapshot(), nil
}

// withLock runs fn while holding key's lock. A busy lock is reported as
// ErrLockBusy without retrying.
func (m *Manager) withLock(ctx context.Context, key stock.Key, fn func() error) error {
	release, ok, err := m.locks.TryAcquire(ctx, lockKey(key), m.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrUnavailable) {
			m.log.Error().Err(err).Str("key", key.String()).Msg("no lock backend reachable")
			return fmt.Errorf("%w: %v", stock.ErrBackendUnavailable, err)
		}
		return err
	}
	if !ok {
		return stock.ErrLockBusy
	}
	defer release()
	return fn()
}

// seedTotal returns the catalog total when key has no ledger row yet, nil otherwise.
func (m *Manager) seedTotal(ctx context.Context, key stock.Key) (*int, error) {
	_, err := m.store.GetStock(ctx, key)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, stock.ErrNotFound) {
		return nil, err
	}
	total, err := m.catalog.FetchTotalStock(ctx, key)
	if err != nil {
		return nil, err
	}
	return &total, nil
}

// loadStock reads the ledger row, creating it from seed when absent.
func (m *Manager) loadStock(ctx context.Context, tx stock.Tx, key stock.Key, seed *int, now time.Time) (stock.ProductStock, error) {
	ps, err := tx.GetStockForUpdate(ctx, key)
	if err == nil || !errors.Is(err, stock.ErrNotFound) {
		return ps, err
	}
	if seed == nil {
		// row vanished between the seed check and the tx; should not happen as rows are never deleted
		return stock.ProductStock{}, fmt.Errorf("ledger row for %s: %w", key, stock.ErrNotFound)
	}
	ps = stock.ProductStock{
		ProductID:      key.ProductID,
		VariationID:    key.VariationID,
		TotalStock:     *seed,
		AvailableStock: *seed,
		LastSyncAt:     now,
		SyncSource:     syncSourceCatalog,
		UpdatedAt:      now,
	}
	return ps, tx.SaveStock(ctx, ps)
}

func (m *Manager) notify(ctx context.Context, ps stock.ProductStock) {
	if ps.ProductID == "" {
		return
	}
	m.notifier.StockChanged(ctx, ps.Snapshot())
}

func (m *Manager) startSpan(ctx context.Context, name string, key stock.Key) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("product.id", key.ProductID),
		attribute.String("variation.id", key.VariationID),
	))
}

func (m *Manager) finish(span trace.Span, op string, err error) {
	outcome := Outcome(err)
	m.metrics.ObserveReservation(op, outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil && outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Outcome classifies err for metrics and API error codes.
func Outcome(err error) string {
	var insufficient *stock.InsufficientStockError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &insufficient):
		return "insufficient_stock"
	case errors.Is(err, stock.ErrLockBusy):
		return "lock_busy"
	case errors.Is(err, stock.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, stock.ErrNotFound):
		return "not_found"
	case errors.Is(err, stock.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, stock.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, stock.ErrInvalidOwner), errors.Is(err, stock.ErrInvalidQuantity):
		return "invalid_request"
	case errors.Is(err, stock.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, stock.ErrCatalogUnavailable):
		return "catalog_unavailable"
	default:
		return "error"
	}
}

// recompute rederives the cached counters of ps from reservation rows and saves them.
func recompute(ctx context.Context, tx stock.Tx, ps stock.ProductStock, now time.Time) (stock.ProductStock, error) {
	u, err := tx.Usage(ctx, ps.Key(), now, ps.LastSyncAt)
	if err != nil {
		return ps, err
	}
	ps.Apply(u, now)
	return ps, tx.SaveStock(ctx, ps)
}

func auditFor(r stock.Reservation, change stock.ChangeType, before, after stock.ProductStock, now time.Time, reason string) stock.AuditEntry {
	return stock.AuditEntry{
		ProductID:     r.ProductID,
		VariationID:   r.VariationID,
		ChangeType:    change,
		Quantity:      after.AvailableStock - before.AvailableStock,
		PreviousStock: before.AvailableStock,
		NewStock:      after.AvailableStock,
		Reason:        reason,
		UserID:        r.UserID,
		SessionID:     r.SessionID,
		ReservationID: r.ID,
		CreatedAt:     now,
		Metadata:      map[string]any{"reservation_quantity": r.Quantity},
	}
}

func lockKey(k stock.Key) string { return k.String() }

// AuditTrail returns the latest audit entries of key, newest first.
func (m *Manager) AuditTrail(ctx context.Context, key stock.Key, limit int) ([]stock.AuditEntry, error) {
	return m.store.ListAudit(ctx, key, limit)
}
