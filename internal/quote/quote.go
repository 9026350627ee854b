// Package quote supplies current market prices to the order engine.
//
// The production chain is Fallback(RedisCache(HTTPSource), Static): live
// quotes are cached in Redis, and when the provider fails or times out the
// last price seen for the symbol is used, then the static table.
package quote

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no source can price a symbol.
var ErrPriceUnavailable = errors.New("quote: price unavailable")

// Source returns the current price of a symbol.
type Source interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f SourceFunc) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

var (
	one     = decimal.NewFromInt(1)
	cent    = decimal.New(1, -2)
	basisPt = decimal.New(1, -4)
)

// Round applies magnitude-aware rounding so low-priced instruments keep
// meaningful precision: 2 places from 1.00 up, 4 from 0.01, 6 from 0.0001,
// 8 below that.
func Round(price decimal.Decimal) decimal.Decimal {
	abs := price.Abs()
	switch {
	case abs.GreaterThanOrEqual(one):
		return price.Round(2)
	case abs.GreaterThanOrEqual(cent):
		return price.Round(4)
	case abs.GreaterThanOrEqual(basisPt):
		return price.Round(6)
	default:
		return price.Round(8)
	}
}
