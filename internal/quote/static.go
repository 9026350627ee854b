package quote

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Static prices symbols from a fixed table.
type Static map[string]decimal.Decimal

func (s Static) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	px, ok := s[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no static price for %s", ErrPriceUnavailable, symbol)
	}
	return px, nil
}

// DefaultPrices is the reference table used when no live quote is available.
func DefaultPrices() Static {
	table := map[string]float64{
		// Stocks
		"AAPL": 190, "MSFT": 420, "GOOGL": 140, "AMZN": 170,
		"TSLA": 250, "META": 500, "NVDA": 900, "NFLX": 600,
		"SPY": 500, "QQQ": 400, "JPM": 180, "JNJ": 160,

		// Crypto
		"BTC-USD": 45000, "ETH-USD": 3200, "ADA-USD": 0.55, "SOL-USD": 85,
		"DOT-USD": 8.5, "MATIC-USD": 1.2, "DOGE-USD": 0.08, "XRP-USD": 0.62,

		// Crypto stocks
		"COIN": 85, "MSTR": 450, "RIOT": 12.5, "MARA": 18,

		// Precious metals
		"GLD": 185, "SLV": 22.5, "PPLT": 95, "PALL": 85,
		"GDX": 32, "GDXJ": 38, "NEM": 45, "ABX": 18.5,

		// Bonds and money market
		"SHY": 84.5, "IEF": 102, "TLT": 92, "BIL": 91.5,
		"AGG": 104, "BND": 78.5, "MINT": 100.2, "FLOT": 50.8,
	}

	s := make(Static, len(table))
	for sym, px := range table {
		s[sym] = decimal.NewFromFloat(px)
	}
	return s
}
