// Package ledger applies fills to a user's cash and positions.
//
// The ledger is a mechanical bookkeeper: it does not decide whether a trade
// is allowed (buying power and share availability are checked by the order
// engine before a fill reaches it). It does refuse fills that would make
// the books inconsistent, such as flipping a position from long to short in
// one step.
//
// All functions operate on a portfolio the caller obtained from a ledger
// store transaction; persisting the result is the caller's job.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

var (
	// ErrCrossesZero is returned when a single fill would take a position
	// through zero to the opposite side.
	ErrCrossesZero = errors.New("ledger: fill would cross zero")

	// ErrInvalidFill is returned for non-positive quantities or prices and
	// unknown sides.
	ErrInvalidFill = errors.New("ledger: invalid fill")
)

// Fill describes what ApplyFill did to the books.
type Fill struct {
	Delta       int64           // signed change to the position quantity
	CashDelta   decimal.Decimal // signed change to cash
	CostBasis   decimal.Decimal // avg_cost before a reducing fill, or the fill price
	RealizedPnL decimal.Decimal // zero unless the fill reduced a position
	Closed      bool            // the position was fully closed
}

// BuyingPower is the cash available to fund purchases or short collateral.
// No margin is modelled.
func BuyingPower(p *model.Portfolio) decimal.Decimal {
	return p.CashBalance
}

// ApplyFill books a fill of qty units of symbol at price. On error the
// portfolio is left untouched.
func ApplyFill(p *model.Portfolio, symbol string, side model.Side, qty int64, price decimal.Decimal, at time.Time) (Fill, error) {
	if !side.Valid() {
		return Fill{}, fmt.Errorf("%w: side %q", ErrInvalidFill, side)
	}
	if qty <= 0 {
		return Fill{}, fmt.Errorf("%w: quantity %d", ErrInvalidFill, qty)
	}
	if !price.IsPositive() {
		return Fill{}, fmt.Errorf("%w: price %s", ErrInvalidFill, price)
	}
	if symbol == "" {
		return Fill{}, fmt.Errorf("%w: empty symbol", ErrInvalidFill)
	}

	delta := side.Sign() * qty
	notional := price.Mul(decimal.NewFromInt(qty))
	cashDelta := notional.Neg()
	if side == model.Sell || side == model.ShortSell {
		cashDelta = notional
	}

	fill := Fill{Delta: delta, CashDelta: cashDelta, CostBasis: price}

	cur, held := p.Positions[symbol]
	switch {
	case !held:
		if p.Positions == nil {
			p.Positions = make(map[string]model.Position)
		}
		p.Positions[symbol] = model.Position{
			Symbol:      symbol,
			Quantity:    delta,
			AvgCost:     price,
			LastUpdated: at,
		}

	case sameSign(cur.Quantity, delta):
		oldQty := decimal.NewFromInt(abs(cur.Quantity))
		addQty := decimal.NewFromInt(qty)
		avg := oldQty.Mul(cur.AvgCost).Add(addQty.Mul(price)).Div(oldQty.Add(addQty))
		cur.Quantity += delta
		cur.AvgCost = avg
		cur.LastUpdated = at
		p.Positions[symbol] = cur

	default:
		if qty > abs(cur.Quantity) {
			return Fill{}, fmt.Errorf("%w: %s holds %d, fill %d", ErrCrossesZero, symbol, cur.Quantity, delta)
		}
		fill.CostBasis = cur.AvgCost
		fill.RealizedPnL = realized(cur, qty, price)
		cur.Quantity += delta
		if cur.Quantity == 0 {
			delete(p.Positions, symbol)
			fill.Closed = true
		} else {
			cur.LastUpdated = at
			p.Positions[symbol] = cur
		}
	}

	p.CashBalance = p.CashBalance.Add(cashDelta)
	p.LastUpdated = at
	return fill, nil
}

// realized is the gain on closing qty units of pos at price: price minus
// cost for longs, cost minus price for shorts.
func realized(pos model.Position, qty int64, price decimal.Decimal) decimal.Decimal {
	per := price.Sub(pos.AvgCost)
	if pos.IsShort() {
		per = per.Neg()
	}
	return per.Mul(decimal.NewFromInt(qty))
}

// PriceLookup resolves the current price of a symbol.
type PriceLookup interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PositionsValue is Σ quantity × price. Shorts contribute negative exposure.
func PositionsValue(ctx context.Context, p *model.Portfolio, prices PriceLookup) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, pos := range p.SortedPositions() {
		px, err := prices.CurrentPrice(ctx, pos.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("price %s: %w", pos.Symbol, err)
		}
		total = total.Add(px.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return total, nil
}

// Value is cash plus the mark-to-market value of every position.
func Value(ctx context.Context, p *model.Portfolio, prices PriceLookup) (decimal.Decimal, error) {
	pv, err := PositionsValue(ctx, p, prices)
	if err != nil {
		return decimal.Zero, err
	}
	return p.CashBalance.Add(pv), nil
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
