package cachesweep

import (
	"context"
	"time"

	"github.com/always-cache/presscache/cache"
	"github.com/rs/zerolog"
)

// Sweeper periodically removes expired entries from stores.
// Stores expire lazily on lookup, so sweeping only bounds memory use
// for keys that are never requested.
type Sweeper struct {
	stores   map[string]cache.Store
	interval time.Duration
	log      zerolog.Logger
}

// New creates a sweeper for the named stores.
// The names are only used for logging.
func New(stores map[string]cache.Store, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		stores:   stores,
		interval: interval,
		log:      logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until the context is cancelled.
// It returns nil on cancellation; a non-positive interval returns immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.log.Debug().Msg("Sweeping disabled")
		return nil
	}
	s.log.Info().Msgf("Starting sweep loop with interval %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("Stopping sweep loop")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce sweeps all stores once and returns the number of removed entries.
// Errors are logged, and the other stores are still swept.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for name, store := range s.stores {
		count, err := store.Sweep(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("store", name).Msg("Could not sweep store")
			continue
		}
		if count > 0 {
			s.log.Debug().Str("store", name).Int("count", count).Msg("Removed expired keys")
		}
		total += count
	}
	return total
}
