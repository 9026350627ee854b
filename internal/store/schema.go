package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// postgresDDL is applied by PostgresStore.Migrate. Monetary columns are
// NUMERIC and read back as ::TEXT for exact decimal round-trips.
const postgresDDL = `
CREATE TABLE IF NOT EXISTS portfolios (
	user_id      TEXT PRIMARY KEY,
	cash_balance NUMERIC NOT NULL,
	initial_cash NUMERIC NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	version      BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS positions (
	user_id      TEXT NOT NULL REFERENCES portfolios(user_id),
	symbol       TEXT NOT NULL,
	quantity     BIGINT NOT NULL CHECK (quantity <> 0),
	avg_cost     NUMERIC NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
	seq             BIGSERIAL,
	order_id        TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        BIGINT NOT NULL,
	order_type      TEXT NOT NULL,
	limit_price     NUMERIC,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	filled_at       TIMESTAMPTZ,
	filled_price    NUMERIC,
	filled_quantity BIGINT NOT NULL DEFAULT 0,
	cancelled_at    TIMESTAMPTZ,
	failure_reason  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS trades (
	seq          BIGSERIAL,
	trade_id     TEXT PRIMARY KEY,
	order_id     TEXT NOT NULL REFERENCES orders(order_id),
	user_id      TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     BIGINT NOT NULL,
	price        NUMERIC NOT NULL,
	value        NUMERIC NOT NULL,
	cost_basis   NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	executed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, executed_at);
`

// sqliteDDL mirrors postgresDDL. Decimals are TEXT and timestamps are TEXT
// in timeLayout so lexical order matches chronological order.
const sqliteDDL = `
CREATE TABLE IF NOT EXISTS portfolios (
	user_id      TEXT PRIMARY KEY,
	cash_balance TEXT NOT NULL,
	initial_cash TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	last_updated TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS positions (
	user_id      TEXT NOT NULL REFERENCES portfolios(user_id),
	symbol       TEXT NOT NULL,
	quantity     INTEGER NOT NULL CHECK (quantity <> 0),
	avg_cost     TEXT NOT NULL,
	last_updated TEXT NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	order_type      TEXT NOT NULL,
	limit_price     TEXT,
	status          TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	filled_at       TEXT,
	filled_price    TEXT,
	filled_quantity INTEGER NOT NULL DEFAULT 0,
	cancelled_at    TEXT,
	failure_reason  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS trades (
	trade_id     TEXT PRIMARY KEY,
	order_id     TEXT NOT NULL REFERENCES orders(order_id),
	user_id      TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     INTEGER NOT NULL,
	price        TEXT NOT NULL,
	value        TEXT NOT NULL,
	cost_basis   TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	executed_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, executed_at);
`

// timeLayout is fixed-width UTC so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q: %v", ErrPersistence, s, err)
	}
	return t, nil
}

func formatNullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseNullTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad decimal %q: %v", ErrPersistence, s, err)
	}
	return d, nil
}

func formatNullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// rowScanner is satisfied by database/sql and pgx rows alike.
type rowScanner interface {
	Scan(dest ...any) error
}
