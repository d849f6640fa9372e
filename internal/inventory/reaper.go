package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultReaperInterval = 30 * time.Second
	DefaultReaperBatch    = 500
)

// Reaper expires active reservations past their expiry and gives their units
// back. It takes the same per-key lock as the Manager, so it can run next to
// live traffic and on several instances at once.
type Reaper struct {
	m        *Manager
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

func NewReaper(m *Manager, interval time.Duration, batch int) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if batch <= 0 {
		batch = DefaultReaperBatch
	}
	return &Reaper{
		m:        m,
		interval: interval,
		batch:    batch,
		log:      m.log.With().Str("component", "reaper").Logger(),
	}
}

type SweepResult struct {
	Expired     int
	SkippedKeys int // lock busy, retried next sweep
}

func (r *Reaper) Run(ctx context.Context) {
	r.log.Info().Dur("interval", r.interval).Int("batch", r.batch).Msg("reaper starting")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		res, err := r.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.log.Error().Err(err).Msg("sweep failed")
		case res.Expired > 0 || res.SkippedKeys > 0:
			r.log.Info().Int("expired", res.Expired).Int("skipped_keys", res.SkippedKeys).Msg("sweep done")
		}

		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper shutting down")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass over due reservations, grouped by stock key.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "inventory.ReaperSweep")
	defer span.End()

	var res SweepResult
	due, err := r.m.store.ListExpired(ctx, r.m.now(), r.batch)
	if err != nil {
		return res, fmt.Errorf("list expired: %w", err)
	}

	var keys []stock.Key
	groups := map[stock.Key][]string{}
	for _, d := range due {
		k := d.Key()
		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], d.ID)
	}

	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		n, err := r.expireKey(ctx, k, groups[k])
		switch {
		case errors.Is(err, stock.ErrLockBusy):
			res.SkippedKeys++
		case errors.Is(err, stock.ErrBackendUnavailable):
			r.m.metrics.ObserveSweep(res.Expired, time.Since(start).Seconds())
			return res, err
		case err != nil:
			r.log.Error().Err(err).Str("key", k.String()).Msg("expire reservations")
		default:
			res.Expired += n
		}
	}

	span.SetAttributes(attribute.Int("expired", res.Expired), attribute.Int("skipped_keys", res.SkippedKeys))
	r.m.metrics.ObserveSweep(res.Expired, time.Since(start).Seconds())
	return res, nil
}

// expireKey expires the given reservations of one key in a single transaction
// and recomputes the ledger row once. Rows that are no longer due are skipped.
func (r *Reaper) expireKey(ctx context.Context, key stock.Key, ids []string) (int, error) {
	var (
		after   stock.ProductStock
		expired int
	)
	err := r.m.withLock(ctx, key, func() error {
		return r.m.store.WithTx(ctx, func(ctx context.Context, tx stock.Tx) error {
			now := r.m.now()
			expired = 0

			var due []stock.Reservation
			for _, id := range ids {
				res, err := tx.GetReservationForUpdate(ctx, id)
				if err != nil {
					return err
				}
				if res.Status != stock.StatusActive || now.Before(res.ExpiresAt) {
					continue
				}
				if err := res.Transition(stock.StatusExpired, now); err != nil {
					return err
				}
				if err := tx.UpdateReservation(ctx, res); err != nil {
					return err
				}
				due = append(due, res)
			}
			if len(due) == 0 {
				return nil
			}

			before, err := tx.GetStockForUpdate(ctx, key)
			if err != nil {
				return err
			}
			if after, err = recompute(ctx, tx, before, now); err != nil {
				return err
			}

			running := before.AvailableStock
			for i, res := range due {
				next := running + res.Quantity
				if i == len(due)-1 {
					next = after.AvailableStock
				}
				entry := auditFor(res, stock.ChangeReservationExpired, before, after, now, "expired by reaper")
				entry.PreviousStock, entry.NewStock, entry.Quantity = running, next, next-running
				if _, err := tx.AppendAudit(ctx, entry); err != nil {
					return err
				}
				running = next
			}
			expired = len(due)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		r.m.notify(ctx, after)
	}
	return expired, nil
}
