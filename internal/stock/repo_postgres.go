package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps stock_reservations, product_stock and stock_audit_log.
// A missing variation is stored as the empty string so the ledger key stays NOT NULL.
type PostgresStore struct{ DB *pgxpool.Pool }

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err // rollback via defer
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (Reservation, error) {
	return getReservation(ctx, s.DB, id, false)
}

func (s *PostgresStore) GetStock(ctx context.Context, key Key) (ProductStock, error) {
	return getStock(ctx, s.DB, key, false)
}

func (s *PostgresStore) Usage(ctx context.Context, key Key, now, soldSince time.Time) (Usage, error) {
	return usage(ctx, s.DB, key, now, soldSince)
}

func (s *PostgresStore) ListActiveByOwner(ctx context.Context, owner Owner, now time.Time) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+reservationCols+` FROM stock_reservations
		WHERE status='active' AND expires_at > $1 AND (user_id = $2 OR session_id = $3)
		ORDER BY reserved_at`, now, nullIfEmpty(owner.UserID), nullIfEmpty(owner.SessionID))
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+reservationCols+` FROM stock_reservations
		WHERE status='active' AND expires_at <= $1
		ORDER BY expires_at LIMIT NULLIF($2, 0)`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (s *PostgresStore) ListAudit(ctx context.Context, key Key, limit int) ([]AuditEntry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, product_id, variation_id, change_type, quantity, previous_stock, new_stock,
		       reason, user_id, session_id, reservation_id, created_at, metadata
		FROM stock_audit_log
		WHERE product_id=$1 AND variation_id=$2
		ORDER BY id DESC LIMIT NULLIF($3, 0)`, key.ProductID, key.VariationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                         AuditEntry
			ct                        string
			userID, sessionID, resvID *string
		)
		if err := rows.Scan(&e.ID, &e.ProductID, &e.VariationID, &ct, &e.Quantity, &e.PreviousStock, &e.NewStock,
			&e.Reason, &userID, &sessionID, &resvID, &e.CreatedAt, &e.Metadata); err != nil {
			return nil, err
		}
		e.ChangeType = ChangeType(ct)
		e.UserID, e.SessionID, e.ReservationID = deref(userID), deref(sessionID), deref(resvID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

type pgTx struct{ q pgx.Tx }

func (t *pgTx) GetStockForUpdate(ctx context.Context, key Key) (ProductStock, error) {
	return getStock(ctx, t.q, key, true)
}

func (t *pgTx) SaveStock(ctx context.Context, ps ProductStock) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO product_stock(product_id, variation_id, total_stock, available_stock, reserved_stock,
		                          sold_stock, last_sync_at, sync_source, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (product_id, variation_id) DO UPDATE SET
			total_stock     = EXCLUDED.total_stock,
			available_stock = EXCLUDED.available_stock,
			reserved_stock  = EXCLUDED.reserved_stock,
			sold_stock      = EXCLUDED.sold_stock,
			last_sync_at    = EXCLUDED.last_sync_at,
			sync_source     = EXCLUDED.sync_source,
			updated_at      = EXCLUDED.updated_at`,
		ps.ProductID, ps.VariationID, ps.TotalStock, ps.AvailableStock, ps.ReservedStock,
		ps.SoldStock, ps.LastSyncAt, ps.SyncSource, ps.UpdatedAt)
	return err
}

func (t *pgTx) Usage(ctx context.Context, key Key, now, soldSince time.Time) (Usage, error) {
	return usage(ctx, t.q, key, now, soldSince)
}

func (t *pgTx) CountActiveByOwner(ctx context.Context, owner Owner, now time.Time) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM stock_reservations
		WHERE status='active' AND expires_at > $1 AND (user_id = $2 OR session_id = $3)`,
		now, nullIfEmpty(owner.UserID), nullIfEmpty(owner.SessionID)).Scan(&n)
	return n, err
}

func (t *pgTx) InsertReservation(ctx context.Context, r Reservation) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO stock_reservations(id, product_id, variation_id, quantity, user_id, session_id,
		                               status, reserved_at, expires_at, cart_item_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.ProductID, r.VariationID, r.Quantity, nullIfEmpty(r.UserID), nullIfEmpty(r.SessionID),
		string(r.Status), r.ReservedAt, r.ExpiresAt, nullIfEmpty(r.CartItemID))
	return err
}

func (t *pgTx) GetReservationForUpdate(ctx context.Context, id string) (Reservation, error) {
	return getReservation(ctx, t.q, id, true)
}

func (t *pgTx) UpdateReservation(ctx context.Context, r Reservation) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE stock_reservations SET status=$2, confirmed_at=$3, released_at=$4
		WHERE id=$1`, r.ID, string(r.Status), r.ConfirmedAt, r.ReleasedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e AuditEntry) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO stock_audit_log(product_id, variation_id, change_type, quantity, previous_stock, new_stock,
		                            reason, user_id, session_id, reservation_id, created_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		e.ProductID, e.VariationID, string(e.ChangeType), e.Quantity, e.PreviousStock, e.NewStock,
		e.Reason, nullIfEmpty(e.UserID), nullIfEmpty(e.SessionID), nullIfEmpty(e.ReservationID),
		e.CreatedAt, e.Metadata).Scan(&id)
	return id, err
}

const reservationCols = `id, product_id, variation_id, quantity, user_id, session_id, status,
	reserved_at, expires_at, confirmed_at, released_at, cart_item_id`

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		r                          Reservation
		status                     string
		userID, sessionID, cartRef *string
	)
	if err := row.Scan(&r.ID, &r.ProductID, &r.VariationID, &r.Quantity, &userID, &sessionID, &status,
		&r.ReservedAt, &r.ExpiresAt, &r.ConfirmedAt, &r.ReleasedAt, &cartRef); err != nil {
		return Reservation{}, err
	}
	r.Status = Status(status)
	r.UserID, r.SessionID, r.CartItemID = deref(userID), deref(sessionID), deref(cartRef)
	return r, nil
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func getReservation(ctx context.Context, q querier, id string, forUpdate bool) (Reservation, error) {
	sql := `SELECT ` + reservationCols + ` FROM stock_reservations WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanReservation(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	return r, err
}

func getStock(ctx context.Context, q querier, key Key, forUpdate bool) (ProductStock, error) {
	sql := `SELECT product_id, variation_id, total_stock, available_stock, reserved_stock, sold_stock,
	               last_sync_at, sync_source, updated_at
	        FROM product_stock WHERE product_id=$1 AND variation_id=$2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var ps ProductStock
	err := q.QueryRow(ctx, sql, key.ProductID, key.VariationID).Scan(&ps.ProductID, &ps.VariationID,
		&ps.TotalStock, &ps.AvailableStock, &ps.ReservedStock, &ps.SoldStock,
		&ps.LastSyncAt, &ps.SyncSource, &ps.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProductStock{}, ErrNotFound
	}
	return ps, err
}

func usage(ctx context.Context, q querier, key Key, now, soldSince time.Time) (Usage, error) {
	var u Usage
	err := q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(quantity) FILTER (WHERE status='active' AND expires_at > $3), 0),
			COALESCE(SUM(quantity) FILTER (WHERE status='confirmed' AND confirmed_at >= $4), 0)
		FROM stock_reservations
		WHERE product_id=$1 AND variation_id=$2`,
		key.ProductID, key.VariationID, now, soldSince).Scan(&u.Reserved, &u.Sold)
	return u, err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
