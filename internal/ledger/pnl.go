package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// DailyPnL sums the profit and loss attributable to trades. Opening trades
// are marked to the current price (unrealized); reducing trades contribute
// the realized P&L snapshotted when they settled, so later ledger changes do
// not rewrite history.
//
// Short sales count as opening trades too, marked as (fill − current) × q.
// A formula that marks only buys would report a short opened today as flat.
//
// A price that cannot be resolved leaves that trade's unrealized part at zero.
func DailyPnL(ctx context.Context, trades []model.Trade, prices PriceLookup) decimal.Decimal {
	total := decimal.Zero
	cache := make(map[string]decimal.Decimal)

	for _, t := range trades {
		qty := decimal.NewFromInt(t.Quantity)
		switch t.Side {
		case model.Buy, model.ShortSell:
			cur, ok := cache[t.Symbol]
			if !ok {
				px, err := prices.CurrentPrice(ctx, t.Symbol)
				if err != nil {
					continue
				}
				cur = px
				cache[t.Symbol] = px
			}
			move := cur.Sub(t.Price)
			if t.Side == model.ShortSell {
				move = move.Neg()
			}
			total = total.Add(move.Mul(qty))
		case model.Sell, model.ShortCover:
			total = total.Add(t.RealizedPnL)
		}
	}
	return total
}

// TradesOn filters trades executed on the same calendar day as day, in day's
// location.
func TradesOn(trades []model.Trade, day time.Time) []model.Trade {
	y, m, d := day.Date()
	var out []model.Trade
	for _, t := range trades {
		ty, tm, td := t.ExecutedAt.In(day.Location()).Date()
		if ty == y && tm == m && td == d {
			out = append(out, t)
		}
	}
	return out
}

// Performance summarizes trading results over a set of trades.
type Performance struct {
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"` // percent of closing trades that made money
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	AvgTradePnL   decimal.Decimal `json:"avg_trade_pnl"`
	Volume        decimal.Decimal `json:"volume"`
}

// Summarize computes Performance. Only reducing trades count as wins or
// losses; break-even closes count as losses.
func Summarize(trades []model.Trade) Performance {
	perf := Performance{
		TotalTrades: len(trades),
		WinRate:     decimal.Zero,
		RealizedPnL: decimal.Zero,
		AvgTradePnL: decimal.Zero,
		Volume:      decimal.Zero,
	}
	closing := 0
	for _, t := range trades {
		perf.Volume = perf.Volume.Add(t.Value)
		if t.Side.Opens() {
			continue
		}
		closing++
		perf.RealizedPnL = perf.RealizedPnL.Add(t.RealizedPnL)
		if t.RealizedPnL.IsPositive() {
			perf.WinningTrades++
		} else {
			perf.LosingTrades++
		}
	}
	if closing > 0 {
		perf.WinRate = decimal.NewFromInt(int64(perf.WinningTrades)).
			Div(decimal.NewFromInt(int64(closing))).
			Mul(decimal.NewFromInt(100)).Round(2)
		perf.AvgTradePnL = perf.RealizedPnL.Div(decimal.NewFromInt(int64(closing))).Round(2)
	}
	return perf
}
