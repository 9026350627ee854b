package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/papertrade/internal/model"
)

func trade(side model.Side, symbol string, qty int64, price, realized float64, at time.Time) model.Trade {
	px := d(price)
	return model.Trade{
		Side:        side,
		Symbol:      symbol,
		Quantity:    qty,
		Price:       px,
		Value:       px.Mul(decimal.NewFromInt(qty)),
		RealizedPnL: d(realized),
		ExecutedAt:  at,
	}
}

func TestDailyPnL(t *testing.T) {
	prices := staticPrices{"AAPL": d(200), "TSLA": d(240)}
	trades := []model.Trade{
		trade(model.Buy, "AAPL", 10, 190, 0, t0),        // +100 unrealized
		trade(model.Sell, "AAPL", 5, 220, 150, t0),      // +150 realized snapshot
		trade(model.ShortSell, "TSLA", 5, 250, 0, t0),   // +50 unrealized
		trade(model.ShortCover, "TSLA", 2, 245, 10, t0), // +10 realized snapshot
	}

	got := DailyPnL(context.Background(), trades, prices)
	requireDec(t, d(310), got)
}

func TestDailyPnL_ShortOpenedTodayIsMarked(t *testing.T) {
	trades := []model.Trade{trade(model.ShortSell, "TSLA", 10, 250, 0, t0)}

	got := DailyPnL(context.Background(), trades, staticPrices{"TSLA": d(260)})
	requireDec(t, d(-100), got)

	got = DailyPnL(context.Background(), trades, staticPrices{"TSLA": d(250)})
	require.True(t, got.IsZero())
}

func TestDailyPnL_UsesSnapshotNotCurrentLedger(t *testing.T) {
	// A sell realized against an avg cost of 100; the current price is
	// irrelevant to its contribution.
	trades := []model.Trade{trade(model.Sell, "AAPL", 10, 120, 200, t0)}
	got := DailyPnL(context.Background(), trades, staticPrices{"AAPL": d(5)})
	requireDec(t, d(200), got)
}

func TestDailyPnL_UnknownPriceSkipped(t *testing.T) {
	trades := []model.Trade{trade(model.Buy, "ZZZ", 10, 5, 0, t0)}
	got := DailyPnL(context.Background(), trades, staticPrices{})
	require.True(t, got.IsZero())
}

func TestTradesOn(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	day := time.Date(2024, 1, 8, 12, 0, 0, 0, loc)
	trades := []model.Trade{
		trade(model.Buy, "A", 1, 1, 0, time.Date(2024, 1, 8, 7, 59, 0, 0, time.UTC)), // Jan 7 PST
		trade(model.Buy, "B", 1, 1, 0, time.Date(2024, 1, 8, 8, 0, 0, 0, time.UTC)),  // Jan 8 PST
		trade(model.Buy, "C", 1, 1, 0, time.Date(2024, 1, 9, 7, 0, 0, 0, time.UTC)),  // Jan 8 PST
		trade(model.Buy, "D", 1, 1, 0, time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC)),  // Jan 9 PST
	}

	got := TradesOn(trades, day)
	require.Len(t, got, 2)
	require.Equal(t, "B", got[0].Symbol)
	require.Equal(t, "C", got[1].Symbol)
}

func TestSummarize(t *testing.T) {
	trades := []model.Trade{
		trade(model.Buy, "AAPL", 10, 100, 0, t0),
		trade(model.Sell, "AAPL", 5, 110, 50, t0),
		trade(model.Sell, "AAPL", 5, 90, -50, t0),
		trade(model.ShortSell, "TSLA", 2, 250, 0, t0),
		trade(model.ShortCover, "TSLA", 2, 240, 20, t0),
	}

	perf := Summarize(trades)
	require.Equal(t, 5, perf.TotalTrades)
	require.Equal(t, 2, perf.WinningTrades)
	require.Equal(t, 1, perf.LosingTrades)
	requireDec(t, d(20), perf.RealizedPnL)
	requireDec(t, d(66.67), perf.WinRate)
	requireDec(t, d(6.67), perf.AvgTradePnL)
	requireDec(t, d(1000+550+450+500+480), perf.Volume)
}

func TestSummarize_Empty(t *testing.T) {
	perf := Summarize(nil)
	require.Zero(t, perf.TotalTrades)
	require.True(t, perf.WinRate.IsZero())
}
