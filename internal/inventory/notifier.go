package inventory

import (
	"context"

	"github.com/ariefcatur/go-stock-reservations/internal/stock"
)

// Notifier receives the stock snapshot after every committed change of a key.
// Implementations must not block the caller for long.
type Notifier interface {
	StockChanged(ctx context.Context, s stock.Snapshot)
}

// Notifiers fans one change out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) StockChanged(ctx context.Context, s stock.Snapshot) {
	for _, n := range ns {
		n.StockChanged(ctx, s)
	}
}

type nopNotifier struct{}

func (nopNotifier) StockChanged(context.Context, stock.Snapshot) {}
