package limits

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func book(positions ...model.Position) map[string]model.Position {
	m := make(map[string]model.Position)
	for _, p := range positions {
		m[p.Symbol] = p
	}
	return m
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(1000, d(50000))

	err := limiter.CheckLimit("AAPL", model.Buy, 100, d(190), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerSymbolExceeded(t *testing.T) {
	limiter := NewPositionLimiter(1000, decimal.Zero)

	// Existing position of 950 + new 100 = 1050 > 1000.
	existing := book(model.Position{Symbol: "AAPL", Quantity: 950, AvgCost: d(10)})

	err := limiter.CheckLimit("AAPL", model.Buy, 100, d(10), existing)
	if err != ErrPerSymbolLimitExceeded {
		t.Errorf("expected ErrPerSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerSymbolShort(t *testing.T) {
	limiter := NewPositionLimiter(100, decimal.Zero)

	existing := book(model.Position{Symbol: "TSLA", Quantity: -90, AvgCost: d(250)})

	if err := limiter.CheckLimit("TSLA", model.ShortSell, 10, d(250), existing); err != nil {
		t.Errorf("expected no error at the limit, got %v", err)
	}
	if err := limiter.CheckLimit("TSLA", model.ShortSell, 11, d(250), existing); err != ErrPerSymbolLimitExceeded {
		t.Errorf("expected ErrPerSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_GrossExceeded(t *testing.T) {
	limiter := NewPositionLimiter(0, d(10000))

	existing := book(
		model.Position{Symbol: "AAPL", Quantity: 20, AvgCost: d(200)},  // 4000
		model.Position{Symbol: "TSLA", Quantity: -10, AvgCost: d(250)}, // 2500
	)

	// 6500 + 20 × 150 = 9500: allowed.
	if err := limiter.CheckLimit("MSFT", model.Buy, 20, d(150), existing); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	// 6500 + 30 × 150 = 11000: rejected.
	if err := limiter.CheckLimit("MSFT", model.Buy, 30, d(150), existing); err != ErrGrossLimitExceeded {
		t.Errorf("expected ErrGrossLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ReducingAlwaysAllowed(t *testing.T) {
	limiter := NewPositionLimiter(10, d(100))

	existing := book(
		model.Position{Symbol: "AAPL", Quantity: 500, AvgCost: d(200)},
		model.Position{Symbol: "TSLA", Quantity: -500, AvgCost: d(250)},
	)

	if err := limiter.CheckLimit("AAPL", model.Sell, 100, d(200), existing); err != nil {
		t.Errorf("sell should pass, got %v", err)
	}
	if err := limiter.CheckLimit("TSLA", model.ShortCover, 100, d(250), existing); err != nil {
		t.Errorf("cover should pass, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	var nilLimiter *PositionLimiter
	if nilLimiter.Enabled() {
		t.Error("nil limiter should be disabled")
	}
	if err := nilLimiter.CheckLimit("AAPL", model.Buy, 1e9, d(1000), nil); err != nil {
		t.Errorf("nil limiter should allow, got %v", err)
	}

	zero := NewPositionLimiter(0, decimal.Zero)
	if zero.Enabled() {
		t.Error("zero limits should be disabled")
	}
	if err := zero.CheckLimit("AAPL", model.Buy, 1e9, d(1000), nil); err != nil {
		t.Errorf("zero limiter should allow, got %v", err)
	}
}
