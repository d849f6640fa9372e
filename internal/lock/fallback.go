package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/rs/zerolog"
)

// Fallback tries the primary backend and switches to the secondary only when
// the primary is unreachable for this call. A busy primary is never bypassed,
// and neither is a cancelled or expired caller context.
type Fallback struct {
	primary   DistributedLock
	secondary DistributedLock
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func NewFallback(primary, secondary DistributedLock, log zerolog.Logger, m *metrics.Metrics) *Fallback {
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		log:       log.With().Str("component", "lock").Logger(),
		metrics:   m,
	}
}

func (f *Fallback) Name() string { return nameOf(f.primary) + "+" + nameOf(f.secondary) }

func (f *Fallback) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	release, ok, perr := f.primary.TryAcquire(ctx, key, ttl)
	if perr == nil {
		f.metrics.ObserveLock(nameOf(f.primary), result(ok))
		return release, ok, nil
	}
	if !errors.Is(perr, ErrUnavailable) {
		return nil, false, perr
	}
	f.metrics.ObserveLock(nameOf(f.primary), "unavailable")
	if cerr := ctx.Err(); cerr != nil {
		return nil, false, cerr
	}
	f.log.Warn().Err(perr).Str("key", key).Msg("primary lock unavailable, using fallback")

	release, ok, serr := f.secondary.TryAcquire(ctx, key, ttl)
	if serr != nil {
		if !errors.Is(serr, ErrUnavailable) {
			return nil, false, serr
		}
		f.metrics.ObserveLock(nameOf(f.secondary), "unavailable")
		return nil, false, fmt.Errorf("%w: primary: %v; fallback: %v", ErrUnavailable, perr, serr)
	}
	f.metrics.ObserveLock(nameOf(f.secondary), result(ok))
	return release, ok, nil
}

func result(acquired bool) string {
	if acquired {
		return "acquired"
	}
	return "busy"
}
