package inventory

import (
	"context"
	"errors"

	kafkax "github.com/ariefcatur/go-stock-reservations/internal/kafka"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	kafkago "github.com/segmentio/kafka-go"
)

// Deduper tracks consumed event ids. Mark is only called once an event has been applied.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// HandleCatalogUpdate is the consumer handler for catalog stock updates: each
// message triggers an explicit resync of its key.
func (m *Manager) HandleCatalogUpdate(ctx context.Context, msg kafkago.Message) error {
	var env stock.Envelope
	if err := kafkax.UnmarshalEnvelope(msg.Value, &env); err != nil {
		m.log.Warn().Err(err).Msg("drop undecodable catalog message")
		return nil
	}
	if env.EventType != stock.EventCatalogUpdated {
		return nil
	}
	if m.dedup != nil && env.EventID != "" {
		seen, err := m.dedup.Seen(ctx, env.EventID)
		if err != nil {
			// resync is idempotent, so a dedup outage only costs a catalog call
			m.log.Warn().Err(err).Str("event_id", env.EventID).Msg("dedup lookup failed")
		}
		if seen {
			return nil
		}
	}
	p, err := kafkax.UnwrapPayload[stock.CatalogUpdatedPayload](env.Payload)
	if err != nil || p.ProductID == "" {
		m.log.Warn().Err(err).Str("event_id", env.EventID).Msg("drop invalid catalog payload")
		return nil
	}

	_, err = m.ResyncStock(ctx, stock.Key{ProductID: p.ProductID, VariationID: p.VariationID})
	switch {
	case err == nil, errors.Is(err, stock.ErrProductNotFound):
		// unknown product: nothing to sync against, keep the cached row
		m.markDone(ctx, env.EventID)
		return nil
	default:
		// busy lock, catalog or backend outage: the consumer retries before moving on
		return err
	}
}

func (m *Manager) markDone(ctx context.Context, eventID string) {
	if m.dedup == nil || eventID == "" {
		return
	}
	if err := m.dedup.Mark(ctx, eventID); err != nil {
		m.log.Warn().Err(err).Str("event_id", eventID).Msg("dedup mark failed")
	}
}
