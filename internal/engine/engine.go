// Package engine validates, prices and settles paper-trading orders.
//
// Orders move pending → filled | cancelled | failed. While the market is
// open an order settles as soon as it is placed; while it is closed the order
// stays pending and the Sweeper settles it after the next open. Settlement
// and cancellation both re-read the order inside the user's ledger
// transaction, so an order is never filled twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/ledger"
	"github.com/atmx/papertrade/internal/limits"
	"github.com/atmx/papertrade/internal/markethours"
	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/quote"
	"github.com/atmx/papertrade/internal/store"
)

// failureWriteTimeout bounds the write that records a failed settlement.
const failureWriteTimeout = 5 * time.Second

// errNotPending aborts a settlement transaction whose order already left
// the pending state.
var errNotPending = errors.New("engine: order no longer pending")

// Engine executes orders against a ledger store.
type Engine struct {
	store    store.Store
	prices   quote.Source
	gate     *markethours.Gate
	clock    markethours.Clock
	slippage Slippage
	limiter  *limits.PositionLimiter
	notifier Notifier
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c markethours.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSlippage sets the fill price model.
func WithSlippage(s Slippage) Option {
	return func(e *Engine) { e.slippage = s }
}

// WithLimiter enables position limits.
func WithLimiter(l *limits.PositionLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithNotifier publishes order events.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithIDGenerator overrides order and trade id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an engine. Defaults: system clock, ±1% uniform slippage, no
// position limits, no notifications and random UUIDs.
func New(st store.Store, prices quote.Source, gate *markethours.Gate, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		prices:   prices,
		gate:     gate,
		clock:    markethours.SystemClock,
		slippage: NewUniformSlippage(DefaultSlippagePct, nil),
		notifier: nopNotifier{},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Placement ---

// OrderRequest is a trade request as submitted by a user.
type OrderRequest struct {
	UserID     string              `json:"user_id"`
	Symbol     string              `json:"symbol"`
	Side       model.Side          `json:"side"`
	Quantity   int64               `json:"quantity"`
	OrderType  model.OrderType     `json:"order_type"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
}

// PlaceResult describes the outcome of PlaceOrder.
type PlaceResult struct {
	Order              *model.Order `json:"order"`
	Trade              *model.Trade `json:"trade,omitempty"`
	Message            string       `json:"message"`
	EstimatedExecution *time.Time   `json:"estimated_execution,omitempty"`
}

func (r *OrderRequest) normalize() error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))

	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case r.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	case strings.ContainsAny(r.Symbol, " \t\n/"):
		return fmt.Errorf("%w: malformed symbol %q", ErrInvalidRequest, r.Symbol)
	case !r.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, r.Side)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	case !r.OrderType.Valid():
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidRequest, r.OrderType)
	case r.OrderType == model.Limit && (!r.LimitPrice.Valid || !r.LimitPrice.Decimal.IsPositive()):
		return fmt.Errorf("%w: limit orders need a positive limit_price", ErrInvalidRequest)
	case r.OrderType == model.Market && r.LimitPrice.Valid:
		return fmt.Errorf("%w: market orders take no limit_price", ErrInvalidRequest)
	}
	return nil
}

// PlaceOrder validates req, runs the pre-trade checks and records a pending
// order. If the market is open the order is settled before returning.
//
// Rejected requests persist nothing. If settlement fails the order is stored
// as failed and returned together with the error; if ctx ends first it stays
// pending.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	ref := req.LimitPrice.Decimal
	if req.OrderType == model.Market {
		px, err := e.prices.CurrentPrice(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, req.Symbol, err)
		}
		ref = px
	}

	now := e.clock.Now()
	order := &model.Order{
		OrderID:    e.newID(),
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		OrderType:  req.OrderType,
		LimitPrice: req.LimitPrice,
		Status:     model.StatusPending,
		CreatedAt:  now,
	}

	err := e.store.WithPortfolio(ctx, req.UserID, func(tx store.Tx) error {
		if err := e.check(tx.Portfolio(), req.Side, req.Symbol, req.Quantity, ref); err != nil {
			return err
		}
		return tx.AppendOrder(order)
	})
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(string(req.Side), "rejected").Inc()
		slog.Info("order rejected",
			"user_id", req.UserID,
			"symbol", req.Symbol,
			"side", req.Side,
			"quantity", req.Quantity,
			"err", err,
		)
		return nil, err
	}

	if !e.gate.IsOpen(now) {
		next := e.gate.NextOpen(now)
		metrics.OrdersTotal.WithLabelValues(string(req.Side), string(model.StatusPending)).Inc()
		slog.Info("order queued",
			"order_id", order.OrderID,
			"user_id", order.UserID,
			"symbol", order.Symbol,
			"side", order.Side,
			"next_open", next,
		)
		e.notifier.Notify(Event{Type: EventOrderQueued, Order: *order, At: now})
		return &PlaceResult{
			Order:              order,
			Message:            fmt.Sprintf("Market closed; order queued for %s", next.Format("Mon Jan 2 15:04 MST")),
			EstimatedExecution: &next,
		}, nil
	}

	settled, trade, err := e.settle(ctx, order)
	res := &PlaceResult{Order: settled, Trade: trade}
	switch {
	case err != nil && settled.Status == model.StatusPending:
		res.Message = "Order pending; settlement was interrupted: " + UserMessage(err)
	case err != nil:
		res.Message = "Order failed: " + UserMessage(err)
	case trade != nil:
		res.Message = fillMessage(trade)
	case settled.Status == model.StatusPending:
		res.Message = fmt.Sprintf("Limit not reached; order pending at %s", formatUSD(settled.LimitPrice.Decimal))
	default:
		res.Message = fmt.Sprintf("Order %s", settled.Status)
	}
	return res, err
}

// check is the pre-trade validation, run at placement against the reference
// price and again at settlement against the fill price.
func (e *Engine) check(p *model.Portfolio, side model.Side, symbol string, qty int64, price decimal.Decimal) error {
	pos, held := p.Positions[symbol]

	switch side {
	case model.Buy, model.ShortSell:
		if held && side == model.Buy && pos.IsShort() {
			return fmt.Errorf("%w: %s is held short; use short_cover", ErrInvalidRequest, symbol)
		}
		if held && side == model.ShortSell && !pos.IsShort() {
			return fmt.Errorf("%w: %s is held long; sell it before shorting", ErrInvalidRequest, symbol)
		}
		need := price.Mul(decimal.NewFromInt(qty))
		have := ledger.BuyingPower(p)
		if need.GreaterThan(have) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, formatUSD(need), formatUSD(have))
		}
		if err := e.limiter.CheckLimit(symbol, side, qty, price, p.Positions); err != nil {
			metrics.PositionLimitRejections.Inc()
			return fmt.Errorf("%w: %v", ErrPositionLimit, err)
		}

	case model.Sell:
		if !held || pos.IsShort() || pos.Quantity < qty {
			return fmt.Errorf("%w: hold %d %s, selling %d", ErrInsufficientShares, max(pos.Quantity, 0), symbol, qty)
		}

	case model.ShortCover:
		if !held || !pos.IsShort() || -pos.Quantity < qty {
			return fmt.Errorf("%w: short %d %s, covering %d", ErrInsufficientShortShares, max(-pos.Quantity, 0), symbol, qty)
		}
	}
	return nil
}

// limitSatisfied reports whether fill honours o's limit price.
func limitSatisfied(o *model.Order, fill decimal.Decimal) bool {
	if o.OrderType != model.Limit {
		return true
	}
	if o.Side.Sign() > 0 {
		return fill.LessThanOrEqual(o.LimitPrice.Decimal)
	}
	return fill.GreaterThanOrEqual(o.LimitPrice.Decimal)
}

// --- Settlement ---

// settle prices and fills one pending order. It returns the order as stored
// afterwards: filled with its trade, still pending when a limit is not met,
// unchanged when it already left pending, or failed with the cause.
func (e *Engine) settle(ctx context.Context, o *model.Order) (*model.Order, *model.Trade, error) {
	start := time.Now()

	px, err := e.prices.CurrentPrice(ctx, o.Symbol)
	if err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx, o, err)
		}
		return e.fail(ctx, o, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, o.Symbol, err))
	}
	fill := quote.Round(e.slippage.Apply(px, o.Side))
	if !limitSatisfied(o, fill) {
		return o, nil, nil
	}

	now := e.clock.Now()
	var (
		current *model.Order
		trade   *model.Trade
	)
	err = e.store.WithPortfolio(ctx, o.UserID, func(tx store.Tx) error {
		cur, err := tx.Order(o.OrderID)
		if err != nil {
			return err
		}
		if cur.Status != model.StatusPending {
			current = cur
			return errNotPending
		}

		p := tx.Portfolio()
		if err := e.check(p, cur.Side, cur.Symbol, cur.Quantity, fill); err != nil {
			return err
		}
		f, err := ledger.ApplyFill(p, cur.Symbol, cur.Side, cur.Quantity, fill, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}

		trade = &model.Trade{
			TradeID:     e.newID(),
			OrderID:     cur.OrderID,
			UserID:      cur.UserID,
			Symbol:      cur.Symbol,
			Side:        cur.Side,
			Quantity:    cur.Quantity,
			Price:       fill,
			Value:       fill.Mul(decimal.NewFromInt(cur.Quantity)),
			CostBasis:   f.CostBasis,
			RealizedPnL: f.RealizedPnL,
			ExecutedAt:  now,
		}
		if err := tx.AppendTrade(trade); err != nil {
			return err
		}

		return tx.UpdateOrder(cur.OrderID, func(o *model.Order) error {
			o.Status = model.StatusFilled
			o.FilledAt = &now
			o.FilledPrice = decimal.NewNullDecimal(fill)
			o.FilledQuantity = o.Quantity
			snapshot := *o
			current = &snapshot
			return nil
		})
	})
	if errors.Is(err, errNotPending) {
		return current, nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return e.interrupted(ctx, o, err)
		}
		return e.fail(ctx, o, err)
	}

	filled := *current
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(model.StatusFilled)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(o.Side)).Observe(time.Since(start).Seconds())
	metrics.TradeVolume.WithLabelValues(string(o.Side)).Add(trade.Value.InexactFloat64())
	slog.Info("order filled",
		"order_id", o.OrderID,
		"user_id", o.UserID,
		"symbol", o.Symbol,
		"side", o.Side,
		"quantity", o.Quantity,
		"quote", px.String(),
		"fill_price", fill.String(),
		"realized_pnl", trade.RealizedPnL.String(),
	)
	e.notifier.Notify(Event{Type: EventOrderFilled, Order: filled, Trade: trade, At: now})
	return &filled, trade, nil
}

// interrupted handles a settlement abandoned because ctx ended before the
// ledger transaction committed. Nothing was written, so the order is returned
// still pending for the next sweep.
func (e *Engine) interrupted(ctx context.Context, o *model.Order, cause error) (*model.Order, *model.Trade, error) {
	slog.Warn("settlement interrupted, order left pending",
		"order_id", o.OrderID,
		"user_id", o.UserID,
		"symbol", o.Symbol,
		"err", cause,
	)
	return o, nil, fmt.Errorf("settle order %s: %w", o.OrderID, ctx.Err())
}

// fail records cause on a still-pending order in its own transaction. The
// write survives cancellation of ctx.
func (e *Engine) fail(ctx context.Context, o *model.Order, cause error) (*model.Order, *model.Trade, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	reason := UserMessage(cause)
	failed := *o
	err := store.UpdateOrder(wctx, e.store, o.UserID, o.OrderID, func(cur *model.Order) error {
		if cur.Status != model.StatusPending {
			failed = *cur
			return errNotPending
		}
		cur.Status = model.StatusFailed
		cur.FailureReason = reason
		failed = *cur
		return nil
	})
	switch {
	case errors.Is(err, errNotPending):
		return &failed, nil, cause
	case err != nil:
		slog.Error("recording order failure", "order_id", o.OrderID, "cause", cause, "err", err)
		failed.Status = model.StatusFailed
		failed.FailureReason = reason
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(model.StatusFailed)).Inc()
	slog.Warn("order failed",
		"order_id", o.OrderID,
		"user_id", o.UserID,
		"symbol", o.Symbol,
		"side", o.Side,
		"err", cause,
	)
	e.notifier.Notify(Event{Type: EventOrderFailed, Order: failed, At: e.clock.Now()})
	return &failed, nil, cause
}

func fillMessage(t *model.Trade) string {
	verb := map[model.Side]string{
		model.Buy:        "Bought",
		model.Sell:       "Sold",
		model.ShortSell:  "Shorted",
		model.ShortCover: "Covered",
	}[t.Side]
	return fmt.Sprintf("%s %d %s at %s", verb, t.Quantity, t.Symbol, formatUSD(t.Price))
}

// --- Cancellation ---

// CancelOrder cancels one of userID's pending orders.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: user_id and order_id are required", ErrInvalidRequest)
	}

	now := e.clock.Now()
	var cancelled model.Order
	err := store.UpdateOrder(ctx, e.store, userID, orderID, func(o *model.Order) error {
		if o.Status != model.StatusPending {
			return fmt.Errorf("%w: cannot cancel order with status: %s", ErrInvalidOrderState, o.Status)
		}
		o.Status = model.StatusCancelled
		o.CancelledAt = &now
		cancelled = *o
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(cancelled.Side), string(model.StatusCancelled)).Inc()
	slog.Info("order cancelled", "order_id", orderID, "user_id", userID)
	e.notifier.Notify(Event{Type: EventOrderCancelled, Order: cancelled, At: now})
	return &cancelled, nil
}

// --- Sweep ---

// SweepResult summarizes one SettlePending pass.
type SweepResult struct {
	MarketClosed bool `json:"market_closed"`
	Visited      int  `json:"visited"`
	Filled       int  `json:"filled"`
	Failed       int  `json:"failed"`
	StillPending int  `json:"still_pending"`
}

// SettlePending settles every user's pending orders, oldest first. It does
// nothing while the market is closed.
func (e *Engine) SettlePending(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if !e.gate.IsOpen(e.clock.Now()) {
		res.MarketClosed = true
		return res, nil
	}

	orders, err := e.store.ListPendingOrders(ctx, "")
	if err != nil {
		return res, err
	}
	metrics.SweepRuns.Inc()

	for i := range orders {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Visited++

		o, trade, err := e.settle(ctx, &orders[i])
		switch {
		case trade != nil:
			res.Filled++
		case o.Status == model.StatusPending:
			res.StillPending++
		case err != nil || o.Status == model.StatusFailed:
			res.Failed++
		}
	}

	metrics.SweepSettled.Add(float64(res.Filled))
	metrics.PendingOrders.Set(float64(res.StillPending))
	return res, nil
}
