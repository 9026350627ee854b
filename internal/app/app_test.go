package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/markethours"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		CacheTTL:       30 * time.Second,
		QuoteTimeout:   time.Second,
		MarketTimezone: markethours.DefaultTimezone,
		MarketOpenHour: markethours.DefaultOpenHour,
		InitialCash:    decimal.NewFromInt(5000),
		SlippageModel:  "none",
		SlippagePct:    decimal.Zero,
		SweepInterval:  time.Minute,
	}
}

var open = engine.WithClock(markethours.FixedClock(time.Date(2024, 1, 8, 22, 0, 0, 0, time.UTC)))

func TestNew_MemoryStore(t *testing.T) {
	a, err := New(context.Background(), testConfig(), open)
	require.NoError(t, err)
	defer a.Close()

	require.IsType(t, &store.MemoryStore{}, a.Store)

	p, err := a.Store.GetPortfolio(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, p.CashBalance.Equal(decimal.NewFromInt(5000)))
}

func TestNew_SQLiteStoreWithStaticPrices(t *testing.T) {
	cfg := testConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "ledger.db")
	cfg.MaxPositionQty = 10

	a, err := New(context.Background(), cfg, open)
	require.NoError(t, err)
	require.IsType(t, &store.SQLiteStore{}, a.Store)

	ctx := context.Background()
	res, err := a.Engine.PlaceOrder(ctx, engine.OrderRequest{
		UserID: "u1", Symbol: "AAPL", Side: model.Buy, Quantity: 10, OrderType: model.Market,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusFilled, res.Order.Status)
	require.True(t, res.Trade.Price.Equal(decimal.NewFromInt(190)), "static AAPL price")

	_, err = a.Engine.PlaceOrder(ctx, engine.OrderRequest{
		UserID: "u1", Symbol: "AAPL", Side: model.Buy, Quantity: 1, OrderType: model.Market,
	})
	require.ErrorIs(t, err, engine.ErrPositionLimit)
	a.Close()

	// The ledger survives a restart.
	b, err := New(ctx, cfg, open)
	require.NoError(t, err)
	defer b.Close()
	pos, err := b.Engine.Position(ctx, "u1", "AAPL")
	require.NoError(t, err)
	require.Equal(t, int64(10), pos.Quantity)
}

func TestNew_InvalidSettings(t *testing.T) {
	cfg := testConfig()
	cfg.SlippageModel = "gaussian"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.RedisURL = "not-a-url"
	_, err = New(context.Background(), cfg)
	require.Error(t, err)
}
