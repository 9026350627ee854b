// Package store defines the persistence interface for the trading ledger.
// Implementations include PostgreSQL (source of truth), SQLite (embedded),
// Redis (read-through cache) and in-memory (for testing).
//
// Every mutation of a user's cash, positions, orders or trades happens inside
// WithPortfolio, which is the transaction boundary: it serializes writers for
// one user and commits everything staged by the callback, or nothing.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

var (
	// ErrPersistence wraps any I/O failure of the underlying store.
	ErrPersistence = errors.New("store: persistence failure")

	// ErrOrderNotFound is returned when an order id is unknown, or belongs
	// to a different user than the transaction owner.
	ErrOrderNotFound = errors.New("store: order not found")

	// ErrDuplicate is returned when appending a record whose id exists.
	ErrDuplicate = errors.New("store: duplicate id")
)

// DefaultInitialCash funds portfolios created on first use.
var DefaultInitialCash = decimal.NewFromInt(100000)

// Tx is the exclusive view of one user's ledger inside WithPortfolio.
type Tx interface {
	// Portfolio returns the mutable portfolio. Changes are persisted when
	// the callback returns nil.
	Portfolio() *model.Portfolio

	// Order returns a copy of one of the user's orders.
	Order(orderID string) (*model.Order, error)

	// AppendOrder stages a new order.
	AppendOrder(o *model.Order) error

	// UpdateOrder applies fn to one of the user's orders. An error from fn
	// aborts the update.
	UpdateOrder(orderID string, fn func(*model.Order) error) error

	// AppendTrade stages an immutable trade record.
	AppendTrade(t *model.Trade) error
}

// Store is the persistence interface.
type Store interface {
	// WithPortfolio loads the user's portfolio (creating it on first use),
	// runs fn with exclusive access and commits the result atomically. The
	// error returned by fn is returned unchanged.
	WithPortfolio(ctx context.Context, userID string, fn func(Tx) error) error

	// GetPortfolio returns a snapshot. Unknown users get a fresh, unsaved
	// portfolio funded with the initial cash.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)

	// ListOrders returns a user's orders, oldest first.
	ListOrders(ctx context.Context, userID string) ([]model.Order, error)

	// ListPendingOrders returns pending orders, oldest first. An empty
	// userID lists every user's pending orders.
	ListPendingOrders(ctx context.Context, userID string) ([]model.Order, error)

	// ListTrades returns trades executed at or after since, oldest first.
	// An empty userID lists every user's trades.
	ListTrades(ctx context.Context, userID string, since time.Time) ([]model.Trade, error)

	// Close releases the store's resources.
	Close() error
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	initialCash decimal.Decimal
	now         func() time.Time
}

func defaultOptions() options {
	return options{
		initialCash: DefaultInitialCash,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithInitialCash sets the cash balance of portfolios created on first use.
func WithInitialCash(cash decimal.Decimal) Option {
	return func(o *options) { o.initialCash = cash }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// --- Single-operation helpers ---

// AppendOrder persists a new order in its own transaction.
func AppendOrder(ctx context.Context, st Store, o *model.Order) error {
	return st.WithPortfolio(ctx, o.UserID, func(tx Tx) error {
		return tx.AppendOrder(o)
	})
}

// UpdateOrder applies fn to a user's order in its own transaction.
func UpdateOrder(ctx context.Context, st Store, userID, orderID string, fn func(*model.Order) error) error {
	return st.WithPortfolio(ctx, userID, func(tx Tx) error {
		return tx.UpdateOrder(orderID, fn)
	})
}

// AppendTrade persists a trade record in its own transaction.
func AppendTrade(ctx context.Context, st Store, t *model.Trade) error {
	return st.WithPortfolio(ctx, t.UserID, func(tx Tx) error {
		return tx.AppendTrade(t)
	})
}

func copyOrder(o *model.Order) *model.Order {
	c := *o
	if o.FilledAt != nil {
		at := *o.FilledAt
		c.FilledAt = &at
	}
	if o.CancelledAt != nil {
		at := *o.CancelledAt
		c.CancelledAt = &at
	}
	return &c
}
