package stock

import (
	"context"
	"time"
)

// Store persists reservations, the stock ledger and the audit log.
// Reads outside WithTx are point-in-time and take no row locks.
type Store interface {
	// WithTx runs fn in one transaction. fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetReservation(ctx context.Context, id string) (Reservation, error)
	GetStock(ctx context.Context, key Key) (ProductStock, error)
	Usage(ctx context.Context, key Key, now, soldSince time.Time) (Usage, error)
	ListActiveByOwner(ctx context.Context, owner Owner, now time.Time) ([]Reservation, error)
	// ListExpired returns active reservations whose expiry is at or before now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	ListAudit(ctx context.Context, key Key, limit int) ([]AuditEntry, error)
	Ping(ctx context.Context) error
}

// Tx is the write side. Callers hold the per-key distributed lock for every key they mutate.
type Tx interface {
	GetStockForUpdate(ctx context.Context, key Key) (ProductStock, error)
	SaveStock(ctx context.Context, ps ProductStock) error
	Usage(ctx context.Context, key Key, now, soldSince time.Time) (Usage, error)
	CountActiveByOwner(ctx context.Context, owner Owner, now time.Time) (int, error)
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservationForUpdate(ctx context.Context, id string) (Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	AppendAudit(ctx context.Context, e AuditEntry) (int64, error)
}
