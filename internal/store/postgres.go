package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The portfolio row is locked with SELECT ... FOR UPDATE for the duration of
// WithPortfolio, which serializes writers across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: applyOptions(opts)}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresDDL); err != nil {
		return fmt.Errorf("schema migration: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) WithPortfolio(ctx context.Context, userID string, fn func(Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer pgTx.Rollback(ctx)

	now := s.opts.now()
	if _, err := pgTx.Exec(ctx,
		`INSERT INTO portfolios (user_id, cash_balance, initial_cash, created_at, last_updated, version)
		 VALUES ($1, $2::NUMERIC, $2::NUMERIC, $3, $3, 0)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, s.opts.initialCash.String(), now,
	); err != nil {
		return fmt.Errorf("%w: create portfolio %s: %v", ErrPersistence, userID, err)
	}

	p, err := loadPgPortfolio(ctx, pgTx, userID, true)
	if err != nil {
		return err
	}

	tx := &pgLedgerTx{ctx: ctx, tx: pgTx, userID: userID, portfolio: p}
	if err := fn(tx); err != nil {
		return err
	}

	if err := savePgPortfolio(ctx, pgTx, p); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	p.Version++
	return nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// loadPgPortfolio returns nil when the user has no portfolio row.
func loadPgPortfolio(ctx context.Context, q pgQuerier, userID string, forUpdate bool) (*model.Portfolio, error) {
	query := `SELECT cash_balance::TEXT, initial_cash::TEXT, created_at, last_updated, version
		FROM portfolios WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	p := &model.Portfolio{UserID: userID, Positions: make(map[string]model.Position)}
	var cash, initial string
	err := q.QueryRow(ctx, query, userID).Scan(&cash, &initial, &p.CreatedAt, &p.LastUpdated, &p.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get portfolio %s: %v", ErrPersistence, userID, err)
	}
	if p.CashBalance, err = parseDecimal(cash); err != nil {
		return nil, err
	}
	if p.InitialCash, err = parseDecimal(initial); err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx,
		`SELECT symbol, quantity, avg_cost::TEXT, last_updated FROM positions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: get positions %s: %v", ErrPersistence, userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var pos model.Position
		var avg string
		if err := rows.Scan(&pos.Symbol, &pos.Quantity, &avg, &pos.LastUpdated); err != nil {
			return nil, fmt.Errorf("%w: scan position: %v", ErrPersistence, err)
		}
		if pos.AvgCost, err = parseDecimal(avg); err != nil {
			return nil, err
		}
		p.Positions[pos.Symbol] = pos
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: positions: %v", ErrPersistence, err)
	}
	return p, nil
}

func savePgPortfolio(ctx context.Context, tx pgx.Tx, p *model.Portfolio) error {
	if _, err := tx.Exec(ctx,
		`UPDATE portfolios SET cash_balance = $2::NUMERIC, initial_cash = $3::NUMERIC, last_updated = $4,
		        version = version + 1
		 WHERE user_id = $1`,
		p.UserID, p.CashBalance.String(), p.InitialCash.String(), p.LastUpdated,
	); err != nil {
		return fmt.Errorf("%w: update portfolio %s: %v", ErrPersistence, p.UserID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1`, p.UserID); err != nil {
		return fmt.Errorf("%w: clear positions %s: %v", ErrPersistence, p.UserID, err)
	}

	batch := &pgx.Batch{}
	for _, pos := range p.Positions {
		batch.Queue(
			`INSERT INTO positions (user_id, symbol, quantity, avg_cost, last_updated)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			p.UserID, pos.Symbol, pos.Quantity, pos.AvgCost.String(), pos.LastUpdated,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: insert positions %s: %v", ErrPersistence, p.UserID, err)
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	p, err := loadPgPortfolio(ctx, s.pool, userID, false)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return model.NewPortfolio(userID, s.opts.initialCash, s.opts.now()), nil
	}
	return p, nil
}

const pgOrderColumns = `order_id, user_id, symbol, side, quantity, order_type, limit_price::TEXT, status,
	created_at, filled_at, filled_price::TEXT, filled_quantity, cancelled_at, failure_reason`

func scanPgOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var limit, filledPrice *string

	if err := row.Scan(&o.OrderID, &o.UserID, &o.Symbol, &o.Side, &o.Quantity, &o.OrderType,
		&limit, &o.Status, &o.CreatedAt, &o.FilledAt, &filledPrice, &o.FilledQuantity,
		&o.CancelledAt, &o.FailureReason); err != nil {
		return nil, err
	}

	var err error
	if o.LimitPrice, err = parseNullDecimal(limit); err != nil {
		return nil, err
	}
	if o.FilledPrice, err = parseNullDecimal(filledPrice); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanPgOrder(s.pool.QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE order_id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order %s: %v", ErrPersistence, orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at, seq`, userID)
}

func (s *PostgresStore) ListPendingOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+pgOrderColumns+` FROM orders
		 WHERE status = 'pending' AND ($1 = '' OR user_id = $1)
		 ORDER BY created_at, seq`, userID)
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan order: %v", ErrPersistence, err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", ErrPersistence, err)
	}
	return orders, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, since time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trade_id, order_id, user_id, symbol, side, quantity,
		        price::TEXT, value::TEXT, cost_basis::TEXT, realized_pnl::TEXT, executed_at
		 FROM trades
		 WHERE ($1 = '' OR user_id = $1) AND executed_at >= $2
		 ORDER BY executed_at, seq`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: list trades: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, value, basis, pnl string
		if err := rows.Scan(&t.TradeID, &t.OrderID, &t.UserID, &t.Symbol, &t.Side, &t.Quantity,
			&price, &value, &basis, &pnl, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("%w: scan trade: %v", ErrPersistence, err)
		}
		t.Price, _ = decimal.NewFromString(price)
		t.Value, _ = decimal.NewFromString(value)
		t.CostBasis, _ = decimal.NewFromString(basis)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list trades: %v", ErrPersistence, err)
	}
	return trades, nil
}

// pgLedgerTx runs order and trade writes inside the locked transaction.
type pgLedgerTx struct {
	ctx       context.Context
	tx        pgx.Tx
	userID    string
	portfolio *model.Portfolio
}

func (t *pgLedgerTx) Portfolio() *model.Portfolio { return t.portfolio }

func (t *pgLedgerTx) Order(orderID string) (*model.Order, error) {
	o, err := scanPgOrder(t.tx.QueryRow(t.ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE order_id = $1 AND user_id = $2`, orderID, t.userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order %s: %v", ErrPersistence, orderID, err)
	}
	return o, nil
}

// isUniqueViolation reports whether err is a primary-key conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (t *pgLedgerTx) AppendOrder(o *model.Order) error {
	if o.UserID != t.userID {
		return fmt.Errorf("%w: order %s belongs to %s, not %s", ErrPersistence, o.OrderID, o.UserID, t.userID)
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO orders (order_id, user_id, symbol, side, quantity, order_type, limit_price, status,
		        created_at, filled_at, filled_price, filled_quantity, cancelled_at, failure_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11::NUMERIC, $12, $13, $14)`,
		o.OrderID, o.UserID, o.Symbol, string(o.Side), o.Quantity, string(o.OrderType),
		formatNullDecimal(o.LimitPrice), string(o.Status), o.CreatedAt,
		o.FilledAt, formatNullDecimal(o.FilledPrice), o.FilledQuantity,
		o.CancelledAt, o.FailureReason,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)
	}
	if err != nil {
		return fmt.Errorf("%w: insert order %s: %v", ErrPersistence, o.OrderID, err)
	}
	return nil
}

func (t *pgLedgerTx) UpdateOrder(orderID string, fn func(*model.Order) error) error {
	o, err := scanPgOrder(t.tx.QueryRow(t.ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE order_id = $1 AND user_id = $2 FOR UPDATE`,
		orderID, t.userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return fmt.Errorf("%w: get order %s: %v", ErrPersistence, orderID, err)
	}
	if err := fn(o); err != nil {
		return err
	}

	_, err = t.tx.Exec(t.ctx,
		`UPDATE orders SET status = $3, filled_at = $4, filled_price = $5::NUMERIC, filled_quantity = $6,
		        cancelled_at = $7, failure_reason = $8
		 WHERE order_id = $1 AND user_id = $2`,
		orderID, t.userID, string(o.Status), o.FilledAt, formatNullDecimal(o.FilledPrice),
		o.FilledQuantity, o.CancelledAt, o.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("%w: update order %s: %v", ErrPersistence, orderID, err)
	}
	return nil
}

func (t *pgLedgerTx) AppendTrade(tr *model.Trade) error {
	if tr.UserID != t.userID {
		return fmt.Errorf("%w: trade %s belongs to %s, not %s", ErrPersistence, tr.TradeID, tr.UserID, t.userID)
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO trades (trade_id, order_id, user_id, symbol, side, quantity,
		        price, value, cost_basis, realized_pnl, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		tr.TradeID, tr.OrderID, tr.UserID, tr.Symbol, string(tr.Side), tr.Quantity,
		tr.Price.String(), tr.Value.String(), tr.CostBasis.String(), tr.RealizedPnL.String(),
		tr.ExecutedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, tr.TradeID)
	}
	if err != nil {
		return fmt.Errorf("%w: insert trade %s: %v", ErrPersistence, tr.TradeID, err)
	}
	return nil
}
