package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultSweepInterval = 5 * time.Minute

// Sweepable drops entries that expired before now and reports how many.
type Sweepable interface {
	Sweep(now time.Time) int
}

// SweepAll runs every sweeper once and returns the total removed.
func SweepAll(now time.Time, log zerolog.Logger, targets map[string]Sweepable) int {
	total := 0
	for name, s := range targets {
		n := s.Sweep(now)
		if n > 0 {
			log.Debug().Str("store", name).Int("removed", n).Msg("swept expired entries")
		}
		total += n
	}
	return total
}

// StartSweeper periodically expires in-memory windows and identities until
// ctx is cancelled. It sweeps once immediately.
func StartSweeper(ctx context.Context, interval time.Duration, clock Clock, log zerolog.Logger, targets map[string]Sweepable) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = SystemClock
	}
	if len(targets) == 0 {
		return
	}
	log = log.With().Str("component", "sweeper").Logger()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		SweepAll(clock.Now(), log, targets)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				SweepAll(clock.Now(), log, targets)
			}
		}
	}()
}
