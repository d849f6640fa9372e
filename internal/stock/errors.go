package stock

import (
	"errors"
	"fmt"
)

var (
	// ErrLockBusy means another writer holds the per-key lock. Retry later.
	ErrLockBusy = errors.New("stock lock busy")
	// ErrLimitExceeded means the owner already holds the maximum number of active reservations.
	ErrLimitExceeded = errors.New("active reservation limit exceeded")
	ErrNotFound      = errors.New("reservation not found")
	// ErrInvalidState is returned for confirm/release on a reservation that is no
	// longer active. Callers treat it as "nothing to do".
	ErrInvalidState = errors.New("reservation not active")
	// ErrBackendUnavailable means neither lock backend could be reached.
	ErrBackendUnavailable = errors.New("lock backends unavailable")

	ErrInvalidOwner       = errors.New("exactly one of user_id or session_id is required")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrProductNotFound    = errors.New("product not found in catalog")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)

// InsufficientStockError carries the quantity that is still available so the
// caller can offer a smaller amount.
type InsufficientStockError struct {
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: requested %d, available %d", e.Requested, e.Available)
}
