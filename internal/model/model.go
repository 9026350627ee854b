// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy        Side = "buy"
	Sell       Side = "sell"
	ShortSell  Side = "short_sell"
	ShortCover Side = "short_cover"
)

// Valid reports whether s is one of the four supported sides.
func (s Side) Valid() bool {
	switch s {
	case Buy, Sell, ShortSell, ShortCover:
		return true
	}
	return false
}

// Sign returns +1 for sides that add to the net position (buy, short_cover)
// and -1 for sides that subtract from it (sell, short_sell).
func (s Side) Sign() int64 {
	if s == Buy || s == ShortCover {
		return 1
	}
	return -1
}

// Opens reports whether the side opens or extends exposure (buy, short_sell)
// as opposed to reducing it (sell, short_cover).
func (s Side) Opens() bool {
	return s == Buy || s == ShortSell
}

// OrderType is market or limit.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

func (t OrderType) Valid() bool {
	return t == Market || t == Limit
}

// OrderStatus tracks the order lifecycle: pending → filled | cancelled | failed.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}

// Position is a user's net holding in one symbol. Quantity is positive for
// long holdings and negative for shorts; it is never zero.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost"` // price paid (long) or received (short)
	LastUpdated time.Time       `json:"last_updated"`
}

// IsShort reports whether the position is a short holding.
func (p Position) IsShort() bool { return p.Quantity < 0 }

// Portfolio is a user's cash and positions. It is only mutated inside a
// ledger store transaction.
type Portfolio struct {
	UserID      string              `json:"user_id"`
	CashBalance decimal.Decimal     `json:"cash_balance"`
	InitialCash decimal.Decimal     `json:"initial_cash"`
	Positions   map[string]Position `json:"positions"`
	CreatedAt   time.Time           `json:"created_at"`
	LastUpdated time.Time           `json:"last_updated"`
	Version     int64               `json:"version"`
}

// NewPortfolio returns an empty portfolio funded with cash.
func NewPortfolio(userID string, cash decimal.Decimal, now time.Time) *Portfolio {
	return &Portfolio{
		UserID:      userID,
		CashBalance: cash,
		InitialCash: cash,
		Positions:   make(map[string]Position),
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// Clone returns a deep copy so a transaction can stage changes without
// touching the committed value.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Positions = make(map[string]Position, len(p.Positions))
	for k, v := range p.Positions {
		c.Positions[k] = v
	}
	return &c
}

// SortedPositions returns positions ordered by symbol.
func (p *Portfolio) SortedPositions() []Position {
	out := make([]Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Order is one submitted trade request.
type Order struct {
	OrderID        string              `json:"order_id"`
	UserID         string              `json:"user_id"`
	Symbol         string              `json:"symbol"`
	Side           Side                `json:"side"`
	Quantity       int64               `json:"quantity"`
	OrderType      OrderType           `json:"order_type"`
	LimitPrice     decimal.NullDecimal `json:"limit_price"`
	Status         OrderStatus         `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	FilledAt       *time.Time          `json:"filled_at"`
	FilledPrice    decimal.NullDecimal `json:"filled_price"`
	FilledQuantity int64               `json:"filled_quantity"`
	CancelledAt    *time.Time          `json:"cancelled_at,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
}

// Trade is the immutable settlement record of a filled order.
type Trade struct {
	TradeID     string          `json:"trade_id"`
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Value       decimal.Decimal `json:"value"`        // quantity × price
	CostBasis   decimal.Decimal `json:"cost_basis"`   // avg_cost snapshot at settlement
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // non-zero for sell/short_cover only
	ExecutedAt  time.Time       `json:"executed_at"`
}
