package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/remoshot/remoshot/internal/clock"
	"github.com/remoshot/remoshot/internal/metrics"
)

// Sweeper periodically deletes images older than the retention window.
type Sweeper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	log       *slog.Logger
}

// NewSweeper creates a Sweeper. interval is the tick period (60s in
// production); retention is the maximum image age.
func NewSweeper(s *Store, retention, interval time.Duration, clk clock.Clock, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     s,
		retention: retention,
		interval:  interval,
		clock:     clk,
		log:       log.With("component", "sweeper"),
	}
}

// Run ticks until ctx is cancelled. Cancellation is observed only at the
// sleep point; an in-flight sweep finishes first.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.log.Info("retention sweeper started",
		"retention", sw.retention, "interval", sw.interval)

	for {
		select {
		case <-ctx.Done():
			sw.log.Info("retention sweeper stopped")
			return
		case <-sw.clock.After(sw.interval):
			cutoff := sw.clock.Now().UTC().Add(-sw.retention)
			removed, err := sw.store.Sweep(cutoff)
			if err != nil {
				sw.log.Error("retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				metrics.ImagesSwept.Add(float64(removed))
				sw.log.Info("retention sweep complete", "removed", removed)
			}
		}
	}
}
