// Package limits implements optional risk caps applied before an order is
// accepted: a per-symbol cap on the absolute position and a cap on the gross
// exposure of the whole book.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a trade would push a single
	// symbol's absolute position beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("limits: per-symbol position limit exceeded")

	// ErrGrossLimitExceeded is returned when a trade would push the sum of
	// |quantity| × avg_cost across all positions beyond the gross maximum.
	ErrGrossLimitExceeded = errors.New("limits: gross exposure limit exceeded")
)

// PositionLimiter enforces position limits. A zero limit is disabled, so the
// zero value allows everything.
//
// Only trades that increase exposure are checked; sells and covers always
// pass so a user can unwind a book that is over a newly lowered limit.
type PositionLimiter struct {
	// MaxPerSymbol is the maximum absolute net quantity in any one symbol.
	MaxPerSymbol int64

	// MaxGrossExposure bounds Σ |quantity| × avg_cost over all positions,
	// including the notional of the trade being checked.
	MaxGrossExposure decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given caps.
func NewPositionLimiter(maxPerSymbol int64, maxGross decimal.Decimal) *PositionLimiter {
	if maxPerSymbol < 0 {
		maxPerSymbol = 0
	}
	return &PositionLimiter{
		MaxPerSymbol:     maxPerSymbol,
		MaxGrossExposure: maxGross,
	}
}

// Enabled reports whether any cap is active.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerSymbol > 0 || l.MaxGrossExposure.IsPositive())
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - symbol: the instrument being traded
//   - side, qty: the order
//   - price: reference price used to value the new exposure
//   - positions: the user's current positions
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(
	symbol string,
	side model.Side,
	qty int64,
	price decimal.Decimal,
	positions map[string]model.Position,
) error {
	if !l.Enabled() || !side.Opens() {
		return nil
	}

	// 1. Per-symbol limit.
	current := positions[symbol].Quantity
	newPosition := current + side.Sign()*qty

	if l.MaxPerSymbol > 0 && abs(newPosition) > l.MaxPerSymbol {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Gross exposure: sum |qty| × avg_cost across the book plus the new notional.
	if !l.MaxGrossExposure.IsPositive() {
		return nil
	}
	gross := price.Mul(decimal.NewFromInt(qty))
	for _, pos := range positions {
		gross = gross.Add(pos.AvgCost.Mul(decimal.NewFromInt(abs(pos.Quantity))))
	}

	if gross.GreaterThan(l.MaxGrossExposure) {
		return ErrGrossLimitExceeded
	}

	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
