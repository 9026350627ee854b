package engine

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often queued orders are retried.
const DefaultSweepInterval = time.Minute

// Sweeper periodically settles queued orders once the market opens.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{engine: e, interval: interval}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	res, err := s.engine.SettlePending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("pending order sweep failed", "err", err)
		}
		return
	}
	if res.Visited > 0 {
		slog.Info("pending order sweep",
			"visited", res.Visited,
			"filled", res.Filled,
			"failed", res.Failed,
			"still_pending", res.StillPending,
		)
	}
}
