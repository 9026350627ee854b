package engine

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// formatUSD renders an amount the way users see it, e.g. $1,900.00.
func formatUSD(v decimal.Decimal) string {
	cur := *money.New(0, money.USD).Currency()
	minor := v.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	return cur.Formatter().Format(minor.IntPart())
}
