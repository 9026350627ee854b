package quote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/metrics"
)

// Fallback serves live prices from a primary source and degrades to the last
// price seen for the symbol, then to a static table. Every returned price is
// rounded with Round.
type Fallback struct {
	primary Source // may be nil
	static  Source
	timeout time.Duration

	mu   sync.RWMutex
	last map[string]decimal.Decimal
}

// NewFallback creates the chain. primary may be nil to run on static prices
// alone.
func NewFallback(primary, static Source, timeout time.Duration) *Fallback {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fallback{
		primary: primary,
		static:  static,
		timeout: timeout,
		last:    make(map[string]decimal.Decimal),
	}
}

func (f *Fallback) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if f.primary != nil {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		px, err := f.primary.CurrentPrice(pctx, symbol)
		cancel()
		if err == nil {
			px = Round(px)
			f.mu.Lock()
			f.last[symbol] = px
			f.mu.Unlock()
			return px, nil
		}

		f.mu.RLock()
		last, ok := f.last[symbol]
		f.mu.RUnlock()
		if ok {
			metrics.PriceFallbacks.WithLabelValues("last_known").Inc()
			slog.Warn("quote provider failed, using last known price", "symbol", symbol, "err", err)
			return last, nil
		}
		slog.Warn("quote provider failed, using static price", "symbol", symbol, "err", err)
	}

	if f.static != nil {
		px, err := f.static.CurrentPrice(ctx, symbol)
		if err == nil {
			metrics.PriceFallbacks.WithLabelValues("static").Inc()
			return Round(px), nil
		}
	}

	return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
}
