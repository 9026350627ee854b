package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/ledger"
	"github.com/atmx/papertrade/internal/markethours"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/quote"
	"github.com/atmx/papertrade/internal/store"
)

// MarketStatus reports whether the market is open now and when it next opens.
func (e *Engine) MarketStatus() markethours.Status {
	return e.gate.Status(e.clock.Now())
}

// CreatePortfolio funds a new portfolio with initialCash, or the store
// default when initialCash is not set. An existing portfolio is returned
// unchanged.
func (e *Engine) CreatePortfolio(ctx context.Context, userID string, initialCash decimal.NullDecimal) (*model.Portfolio, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if initialCash.Valid && initialCash.Decimal.IsNegative() {
		return nil, fmt.Errorf("%w: initial cash cannot be negative", ErrInvalidRequest)
	}

	err := e.store.WithPortfolio(ctx, userID, func(tx store.Tx) error {
		p := tx.Portfolio()
		if p.Version == 0 && initialCash.Valid {
			p.CashBalance = initialCash.Decimal
			p.InitialCash = initialCash.Decimal
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetPortfolio(ctx, userID)
}

// Positions returns the user's long and short positions ordered by symbol.
func (e *Engine) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	p, err := e.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.SortedPositions(), nil
}

// Position returns one position.
func (e *Engine) Position(ctx context.Context, userID, symbol string) (model.Position, error) {
	p, err := e.store.GetPortfolio(ctx, userID)
	if err != nil {
		return model.Position{}, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	pos, ok := p.Positions[symbol]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	return pos, nil
}

// PendingOrder is a pending order with its expected execution time, set
// while the market is closed.
type PendingOrder struct {
	model.Order
	EstimatedExecution *time.Time `json:"estimated_execution,omitempty"`
}

// PendingOrders lists pending orders for userID, or for everyone when
// userID is empty.
func (e *Engine) PendingOrders(ctx context.Context, userID string) ([]PendingOrder, error) {
	orders, err := e.store.ListPendingOrders(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := e.MarketStatus()
	out := make([]PendingOrder, len(orders))
	for i, o := range orders {
		out[i] = PendingOrder{Order: o}
		if !status.Open {
			next := status.NextOpen
			out[i].EstimatedExecution = &next
		}
	}
	return out, nil
}

// Orders returns the user's order history, oldest first.
func (e *Engine) Orders(ctx context.Context, userID string) ([]model.Order, error) {
	return e.store.ListOrders(ctx, userID)
}

// Trades returns the user's trades executed at or after since.
func (e *Engine) Trades(ctx context.Context, userID string, since time.Time) ([]model.Trade, error) {
	return e.store.ListTrades(ctx, userID, since)
}

// PositionView is a position marked to the current price.
type PositionView struct {
	model.Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Summary is a portfolio marked to market. Shorts carry negative value.
type Summary struct {
	UserID         string          `json:"user_id"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	InitialCash    decimal.Decimal `json:"initial_cash"`
	TotalReturn    decimal.Decimal `json:"total_return"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
	Positions      []PositionView  `json:"positions"`
}

// Summary values the user's portfolio at current prices. Total return is
// measured against the cash the portfolio was opened with.
func (e *Engine) Summary(ctx context.Context, userID string) (*Summary, error) {
	p, err := e.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	marks := make(quote.Static, len(p.Positions))
	views := make([]PositionView, 0, len(p.Positions))
	for _, pos := range p.SortedPositions() {
		px, err := e.prices.CurrentPrice(ctx, pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, pos.Symbol, err)
		}
		marks[pos.Symbol] = px
		qty := decimal.NewFromInt(pos.Quantity)
		views = append(views, PositionView{
			Position:      pos,
			CurrentPrice:  px,
			MarketValue:   px.Mul(qty),
			UnrealizedPnL: px.Sub(pos.AvgCost).Mul(qty),
		})
	}

	pv, err := ledger.PositionsValue(ctx, p, marks)
	if err != nil {
		return nil, err
	}
	total := p.CashBalance.Add(pv)
	ret := total.Sub(p.InitialCash)
	pct := decimal.Zero
	if p.InitialCash.IsPositive() {
		pct = ret.Div(p.InitialCash).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return &Summary{
		UserID:         userID,
		CashBalance:    p.CashBalance,
		PositionsValue: pv,
		TotalValue:     total,
		InitialCash:    p.InitialCash,
		TotalReturn:    ret,
		TotalReturnPct: pct,
		Positions:      views,
	}, nil
}

// startOfDay is midnight of now's calendar day in the trading timezone.
func (e *Engine) startOfDay() time.Time {
	local := e.clock.Now().In(e.gate.Location())
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.gate.Location())
}

// DailyPnL is today's realized plus unrealized P&L from today's trades.
func (e *Engine) DailyPnL(ctx context.Context, userID string) (decimal.Decimal, error) {
	day := e.startOfDay()
	trades, err := e.store.ListTrades(ctx, userID, day)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.DailyPnL(ctx, ledger.TradesOn(trades, day), e.prices), nil
}

// Performance summarizes trades executed in [from, to). A zero to means
// no upper bound.
func (e *Engine) Performance(ctx context.Context, userID string, from, to time.Time) (ledger.Performance, error) {
	trades, err := e.store.ListTrades(ctx, userID, from)
	if err != nil {
		return ledger.Performance{}, err
	}
	if !to.IsZero() {
		kept := trades[:0]
		for _, t := range trades {
			if t.ExecutedAt.Before(to) {
				kept = append(kept, t)
			}
		}
		trades = kept
	}
	return ledger.Summarize(trades), nil
}

// DailyStats is today's activity across all users.
type DailyStats struct {
	Date          string          `json:"date"`
	Trades        int             `json:"trades"`
	Volume        decimal.Decimal `json:"volume"`
	ActiveUsers   int             `json:"active_users"`
	PendingOrders int             `json:"pending_orders"`
}

// DailyStats aggregates today's trades for the admin view.
func (e *Engine) DailyStats(ctx context.Context) (*DailyStats, error) {
	day := e.startOfDay()
	trades, err := e.store.ListTrades(ctx, "", day)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.ListPendingOrders(ctx, "")
	if err != nil {
		return nil, err
	}

	stats := &DailyStats{
		Date:          day.Format("2006-01-02"),
		Volume:        decimal.Zero,
		PendingOrders: len(pending),
	}
	users := make(map[string]struct{})
	for _, t := range ledger.TradesOn(trades, day) {
		stats.Trades++
		stats.Volume = stats.Volume.Add(t.Value)
		users[t.UserID] = struct{}{}
	}
	stats.ActiveUsers = len(users)
	return stats, nil
}

// Location is the trading timezone used for calendar days.
func (e *Engine) Location() *time.Location {
	return e.gate.Location()
}

// Today is midnight of the current trading day.
func (e *Engine) Today() time.Time {
	return e.startOfDay()
}
