package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/atmx/papertrade/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite file. It is the default
// durable backend for single-process deployments and the CLI.
type SQLiteStore struct {
	db    *sql.DB
	locks *userLocks
	opts  options
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	// One writer at a time; transactions never need a second connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	return &SQLiteStore{db: db, locks: newUserLocks(), opts: applyOptions(opts)}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithPortfolio(ctx context.Context, userID string, fn func(Tx) error) error {
	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrPersistence, userID, err)
	}
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer sqlTx.Rollback()

	p, err := s.loadPortfolio(ctx, sqlTx, userID)
	if err != nil {
		return err
	}
	if p == nil {
		p = model.NewPortfolio(userID, s.opts.initialCash, s.opts.now())
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO portfolios (user_id, cash_balance, initial_cash, created_at, last_updated, version)
			 VALUES (?, ?, ?, ?, ?, 0)`,
			userID, p.CashBalance.String(), p.InitialCash.String(),
			formatTime(p.CreatedAt), formatTime(p.LastUpdated),
		); err != nil {
			return fmt.Errorf("%w: create portfolio %s: %v", ErrPersistence, userID, err)
		}
	}

	tx := &sqliteTx{ctx: ctx, tx: sqlTx, userID: userID, portfolio: p}
	if err := fn(tx); err != nil {
		return err
	}

	if err := s.savePortfolio(ctx, sqlTx, p); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	p.Version++
	return nil
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadPortfolio returns nil when the user has no portfolio row.
func (s *SQLiteStore) loadPortfolio(ctx context.Context, q sqlQuerier, userID string) (*model.Portfolio, error) {
	var cash, initial, created, updated string
	p := &model.Portfolio{UserID: userID, Positions: make(map[string]model.Position)}

	err := q.QueryRowContext(ctx,
		`SELECT cash_balance, initial_cash, created_at, last_updated, version
		 FROM portfolios WHERE user_id = ?`, userID).
		Scan(&cash, &initial, &created, &updated, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
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
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.LastUpdated, err = parseTime(updated); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT symbol, quantity, avg_cost, last_updated FROM positions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: get positions %s: %v", ErrPersistence, userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var pos model.Position
		var avg, at string
		if err := rows.Scan(&pos.Symbol, &pos.Quantity, &avg, &at); err != nil {
			return nil, fmt.Errorf("%w: scan position: %v", ErrPersistence, err)
		}
		if pos.AvgCost, err = parseDecimal(avg); err != nil {
			return nil, err
		}
		if pos.LastUpdated, err = parseTime(at); err != nil {
			return nil, err
		}
		p.Positions[pos.Symbol] = pos
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: positions: %v", ErrPersistence, err)
	}
	return p, nil
}

// savePortfolio rewrites the portfolio row and its positions.
func (s *SQLiteStore) savePortfolio(ctx context.Context, tx *sql.Tx, p *model.Portfolio) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE portfolios SET cash_balance = ?, initial_cash = ?, last_updated = ?, version = version + 1
		 WHERE user_id = ?`,
		p.CashBalance.String(), p.InitialCash.String(), formatTime(p.LastUpdated), p.UserID,
	); err != nil {
		return fmt.Errorf("%w: update portfolio %s: %v", ErrPersistence, p.UserID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, p.UserID); err != nil {
		return fmt.Errorf("%w: clear positions %s: %v", ErrPersistence, p.UserID, err)
	}
	for _, pos := range p.Positions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO positions (user_id, symbol, quantity, avg_cost, last_updated) VALUES (?, ?, ?, ?, ?)`,
			p.UserID, pos.Symbol, pos.Quantity, pos.AvgCost.String(), formatTime(pos.LastUpdated),
		); err != nil {
			return fmt.Errorf("%w: insert position %s/%s: %v", ErrPersistence, p.UserID, pos.Symbol, err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	p, err := s.loadPortfolio(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return model.NewPortfolio(userID, s.opts.initialCash, s.opts.now()), nil
	}
	return p, nil
}

const sqliteOrderColumns = `order_id, user_id, symbol, side, quantity, order_type, limit_price, status,
	created_at, filled_at, filled_price, filled_quantity, cancelled_at, failure_reason`

func scanSQLiteOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var limit, filledPrice, filledAt, cancelledAt *string
	var created string

	if err := row.Scan(&o.OrderID, &o.UserID, &o.Symbol, &o.Side, &o.Quantity, &o.OrderType,
		&limit, &o.Status, &created, &filledAt, &filledPrice, &o.FilledQuantity,
		&cancelledAt, &o.FailureReason); err != nil {
		return nil, err
	}

	var err error
	if o.LimitPrice, err = parseNullDecimal(limit); err != nil {
		return nil, err
	}
	if o.FilledPrice, err = parseNullDecimal(filledPrice); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if o.FilledAt, err = parseNullTime(filledAt); err != nil {
		return nil, err
	}
	if o.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanSQLiteOrder(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order %s: %v", ErrPersistence, orderID, err)
	}
	return o, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at, rowid`, userID)
}

func (s *SQLiteStore) ListPendingOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders
		 WHERE status = 'pending' AND (? = '' OR user_id = ?)
		 ORDER BY created_at, rowid`, userID, userID)
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
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

func (s *SQLiteStore) ListTrades(ctx context.Context, userID string, since time.Time) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trade_id, order_id, user_id, symbol, side, quantity,
		        price, value, cost_basis, realized_pnl, executed_at
		 FROM trades
		 WHERE (? = '' OR user_id = ?) AND executed_at >= ?
		 ORDER BY executed_at, rowid`,
		userID, userID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("%w: list trades: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, value, basis, pnl, at string
		if err := rows.Scan(&t.TradeID, &t.OrderID, &t.UserID, &t.Symbol, &t.Side, &t.Quantity,
			&price, &value, &basis, &pnl, &at); err != nil {
			return nil, fmt.Errorf("%w: scan trade: %v", ErrPersistence, err)
		}
		if t.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		if t.Value, err = parseDecimal(value); err != nil {
			return nil, err
		}
		if t.CostBasis, err = parseDecimal(basis); err != nil {
			return nil, err
		}
		if t.RealizedPnL, err = parseDecimal(pnl); err != nil {
			return nil, err
		}
		if t.ExecutedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list trades: %v", ErrPersistence, err)
	}
	return trades, nil
}

// sqliteTx writes orders and trades straight into the SQL transaction; the
// portfolio is written back by WithPortfolio before commit.
type sqliteTx struct {
	ctx       context.Context
	tx        *sql.Tx
	userID    string
	portfolio *model.Portfolio
}

func (t *sqliteTx) Portfolio() *model.Portfolio { return t.portfolio }

func (t *sqliteTx) Order(orderID string) (*model.Order, error) {
	o, err := scanSQLiteOrder(t.tx.QueryRowContext(t.ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE order_id = ? AND user_id = ?`, orderID, t.userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order %s: %v", ErrPersistence, orderID, err)
	}
	return o, nil
}

func (t *sqliteTx) exists(query, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, query, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return true, nil
}

func (t *sqliteTx) AppendOrder(o *model.Order) error {
	if o.UserID != t.userID {
		return fmt.Errorf("%w: order %s belongs to %s, not %s", ErrPersistence, o.OrderID, o.UserID, t.userID)
	}
	dup, err := t.exists(`SELECT 1 FROM orders WHERE order_id = ?`, o.OrderID)
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)
	}

	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO orders (`+sqliteOrderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.UserID, o.Symbol, string(o.Side), o.Quantity, string(o.OrderType),
		formatNullDecimal(o.LimitPrice), string(o.Status), formatTime(o.CreatedAt),
		formatNullTime(o.FilledAt), formatNullDecimal(o.FilledPrice), o.FilledQuantity,
		formatNullTime(o.CancelledAt), o.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("%w: insert order %s: %v", ErrPersistence, o.OrderID, err)
	}
	return nil
}

func (t *sqliteTx) UpdateOrder(orderID string, fn func(*model.Order) error) error {
	o, err := t.Order(orderID)
	if err != nil {
		return err
	}
	if err := fn(o); err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE orders SET status = ?, filled_at = ?, filled_price = ?, filled_quantity = ?,
		        cancelled_at = ?, failure_reason = ?
		 WHERE order_id = ? AND user_id = ?`,
		string(o.Status), formatNullTime(o.FilledAt), formatNullDecimal(o.FilledPrice), o.FilledQuantity,
		formatNullTime(o.CancelledAt), o.FailureReason, orderID, t.userID,
	)
	if err != nil {
		return fmt.Errorf("%w: update order %s: %v", ErrPersistence, orderID, err)
	}
	return nil
}

func (t *sqliteTx) AppendTrade(tr *model.Trade) error {
	if tr.UserID != t.userID {
		return fmt.Errorf("%w: trade %s belongs to %s, not %s", ErrPersistence, tr.TradeID, tr.UserID, t.userID)
	}
	dup, err := t.exists(`SELECT 1 FROM trades WHERE trade_id = ?`, tr.TradeID)
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, tr.TradeID)
	}

	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO trades (trade_id, order_id, user_id, symbol, side, quantity,
		        price, value, cost_basis, realized_pnl, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TradeID, tr.OrderID, tr.UserID, tr.Symbol, string(tr.Side), tr.Quantity,
		tr.Price.String(), tr.Value.String(), tr.CostBasis.String(), tr.RealizedPnL.String(),
		formatTime(tr.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: insert trade %s: %v", ErrPersistence, tr.TradeID, err)
	}
	return nil
}
