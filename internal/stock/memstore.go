package stock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
// Transactions are serialized and applied to a copy that replaces the live
// state only on success.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	reservations map[string]Reservation
	stock        map[Key]ProductStock
	audit        []AuditEntry
	nextAuditID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		reservations: map[string]Reservation{},
		stock:        map[Key]ProductStock{},
	}}
}

func (s memState) clone() memState {
	out := memState{
		reservations: make(map[string]Reservation, len(s.reservations)),
		stock:        make(map[Key]ProductStock, len(s.stock)),
		audit:        append([]AuditEntry(nil), s.audit...),
		nextAuditID:  s.nextAuditID,
	}
	for k, v := range s.reservations {
		out.reservations[k] = v
	}
	for k, v := range s.stock {
		out.stock[k] = v
	}
	return out
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(ctx, &memTx{st: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.reservation(id)
}

func (s *MemoryStore) GetStock(_ context.Context, key Key) (ProductStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getStock(key)
}

func (s *MemoryStore) Usage(_ context.Context, key Key, now, soldSince time.Time) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.usage(key, now, soldSince), nil
}

func (s *MemoryStore) ListActiveByOwner(_ context.Context, owner Owner, now time.Time) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.state.reservations {
		if r.Holds(now) && r.Owner() == owner {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.state.reservations {
		if r.Status == StatusActive && !now.Before(r.ExpiresAt) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAudit(_ context.Context, key Key, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for i := len(s.state.audit) - 1; i >= 0; i-- {
		e := s.state.audit[i]
		if e.ProductID != key.ProductID || e.VariationID != key.VariationID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s memState) reservation(id string) (Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return r, nil
}

func (s memState) getStock(key Key) (ProductStock, error) {
	ps, ok := s.stock[key]
	if !ok {
		return ProductStock{}, ErrNotFound
	}
	return ps, nil
}

func (s memState) usage(key Key, now, soldSince time.Time) Usage {
	var u Usage
	for _, r := range s.reservations {
		if r.Key() != key {
			continue
		}
		switch {
		case r.Holds(now):
			u.Reserved += r.Quantity
		case r.Status == StatusConfirmed && r.ConfirmedAt != nil && !r.ConfirmedAt.Before(soldSince):
			u.Sold += r.Quantity
		}
	}
	return u
}

type memTx struct{ st *memState }

func (t *memTx) GetStockForUpdate(_ context.Context, key Key) (ProductStock, error) {
	return t.st.getStock(key)
}

func (t *memTx) SaveStock(_ context.Context, ps ProductStock) error {
	t.st.stock[ps.Key()] = ps
	return nil
}

func (t *memTx) Usage(_ context.Context, key Key, now, soldSince time.Time) (Usage, error) {
	return t.st.usage(key, now, soldSince), nil
}

func (t *memTx) CountActiveByOwner(_ context.Context, owner Owner, now time.Time) (int, error) {
	n := 0
	for _, r := range t.st.reservations {
		if r.Holds(now) && r.Owner() == owner {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertReservation(_ context.Context, r Reservation) error {
	t.st.reservations[r.ID] = r
	return nil
}

func (t *memTx) GetReservationForUpdate(_ context.Context, id string) (Reservation, error) {
	return t.st.reservation(id)
}

func (t *memTx) UpdateReservation(_ context.Context, r Reservation) error {
	if _, ok := t.st.reservations[r.ID]; !ok {
		return ErrNotFound
	}
	t.st.reservations[r.ID] = r
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e AuditEntry) (int64, error) {
	t.st.nextAuditID++
	e.ID = t.st.nextAuditID
	t.st.audit = append(t.st.audit, e)
	return e.ID, nil
}
