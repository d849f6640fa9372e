package stock

import (
	"fmt"
	"strings"
	"time"
)

// Key identifies one stock-keeping unit. VariationID is empty for simple products.
type Key struct {
	ProductID   string
	VariationID string
}

// keyEscaper keeps ':' unambiguous as the product/variation separator.
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// String is the canonical lock, cache and partition key of k. Distinct keys
// never share a string.
func (k Key) String() string {
	if k.VariationID == "" {
		return keyEscaper.Replace(k.ProductID)
	}
	return keyEscaper.Replace(k.ProductID) + ":" + keyEscaper.Replace(k.VariationID)
}

// Owner is whoever holds a reservation: a signed-in user or an anonymous session.
// Exactly one of the two must be set.
type Owner struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (o Owner) Validate() error {
	if (o.UserID == "") == (o.SessionID == "") {
		return ErrInvalidOwner
	}
	return nil
}

func (o Owner) String() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "session:" + o.SessionID
}

type Reservation struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id"`
	VariationID string     `json:"variation_id,omitempty"`
	Quantity    int        `json:"quantity"`
	UserID      string     `json:"user_id,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	Status      Status     `json:"status"`
	ReservedAt  time.Time  `json:"reserved_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	CartItemID  string     `json:"cart_item_id,omitempty"`
}

func (r Reservation) Key() Key { return Key{ProductID: r.ProductID, VariationID: r.VariationID} }

func (r Reservation) Owner() Owner { return Owner{UserID: r.UserID, SessionID: r.SessionID} }

// Holds reports whether the reservation still counts against available stock at now.
func (r Reservation) Holds(now time.Time) bool {
	return r.Status == StatusActive && now.Before(r.ExpiresAt)
}

// Transition moves the reservation to the given status, stamping confirmed/released times.
func (r *Reservation) Transition(to Status, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, r.Status, to)
	}
	r.Status = to
	t := at
	switch to {
	case StatusConfirmed:
		r.ConfirmedAt = &t
	case StatusReleased, StatusExpired:
		r.ReleasedAt = &t
	}
	return nil
}

// ProductStock is the cached ledger row for one Key. TotalStock comes from the
// catalog; the other counters are rederived from reservation rows on every
// lock-protected mutation.
type ProductStock struct {
	ProductID      string
	VariationID    string
	TotalStock     int
	AvailableStock int
	ReservedStock  int
	// SoldStock is confirmed quantity not yet reflected in TotalStock,
	// i.e. confirmed at or after LastSyncAt.
	SoldStock  int
	LastSyncAt time.Time
	SyncSource string
	UpdatedAt  time.Time
}

func (p ProductStock) Key() Key { return Key{ProductID: p.ProductID, VariationID: p.VariationID} }

// Apply rederives the cached counters from usage.
func (p *ProductStock) Apply(u Usage, at time.Time) {
	p.ReservedStock = u.Reserved
	p.SoldStock = u.Sold
	p.AvailableStock = Available(p.TotalStock, u.Reserved, u.Sold)
	p.UpdatedAt = at
}

func (p ProductStock) Snapshot() Snapshot {
	return Snapshot{
		ProductID:      p.ProductID,
		VariationID:    p.VariationID,
		TotalStock:     p.TotalStock,
		AvailableStock: p.AvailableStock,
		ReservedStock:  p.ReservedStock,
	}
}

// Usage is the live claim on a key computed from reservation rows.
type Usage struct {
	Reserved int // active and unexpired
	Sold     int // confirmed at or after the last catalog sync
}

func Available(total, reserved, sold int) int {
	if a := total - reserved - sold; a > 0 {
		return a
	}
	return 0
}

// Snapshot is the point-in-time stock view handed to callers.
type Snapshot struct {
	ProductID      string `json:"product_id"`
	VariationID    string `json:"variation_id,omitempty"`
	TotalStock     int    `json:"total_stock"`
	AvailableStock int    `json:"available_stock"`
	ReservedStock  int    `json:"reserved_stock"`
}

func (s Snapshot) Key() Key { return Key{ProductID: s.ProductID, VariationID: s.VariationID} }

type ChangeType string

const (
	ChangeReservationCreated   ChangeType = "reservation_created"
	ChangeReservationConfirmed ChangeType = "reservation_confirmed"
	ChangeReservationReleased  ChangeType = "reservation_released"
	ChangeReservationExpired   ChangeType = "reservation_expired"
	ChangeStockSynced          ChangeType = "stock_synced"
)

// AuditEntry is one append-only stock audit row. It is never read back for
// stock math.
type AuditEntry struct {
	ID            int64          `json:"id"`
	ProductID     string         `json:"product_id"`
	VariationID   string         `json:"variation_id,omitempty"`
	ChangeType    ChangeType     `json:"change_type"`
	Quantity      int            `json:"quantity"` // delta of available stock
	PreviousStock int            `json:"previous_stock"`
	NewStock      int            `json:"new_stock"`
	Reason        string         `json:"reason"`
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	ReservationID string         `json:"reservation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
