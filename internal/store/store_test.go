package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/papertrade/internal/model"
)

var t0 = time.Date(2024, 1, 8, 22, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fixedNow() time.Time { return t0 }

func newOrder(id, user string, status model.OrderStatus, created time.Time) *model.Order {
	return &model.Order{
		OrderID:   id,
		UserID:    user,
		Symbol:    "AAPL",
		Side:      model.Buy,
		Quantity:  10,
		OrderType: model.Market,
		Status:    status,
		CreatedAt: created,
	}
}

// runConformance exercises the Store contract against one implementation.
// newStore must return an empty store funded with 100000 per user.
func runConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("UnknownUserGetsDefault", func(t *testing.T) {
		st := newStore(t)
		p, err := st.GetPortfolio(ctx, "nobody")
		require.NoError(t, err)
		require.Equal(t, "nobody", p.UserID)
		require.True(t, d(100000).Equal(p.CashBalance))
		require.Empty(t, p.Positions)
	})

	t.Run("AutoCreateOnFirstTransaction", func(t *testing.T) {
		st := newStore(t)
		err := st.WithPortfolio(ctx, "alice", func(tx Tx) error {
			require.True(t, d(100000).Equal(tx.Portfolio().CashBalance))
			return nil
		})
		require.NoError(t, err)

		p, err := st.GetPortfolio(ctx, "alice")
		require.NoError(t, err)
		require.True(t, d(100000).Equal(p.CashBalance))
		require.True(t, d(100000).Equal(p.InitialCash))
		require.Equal(t, int64(1), p.Version)
	})

	t.Run("CommitPersistsEverything", func(t *testing.T) {
		st := newStore(t)
		filledAt := t0.Add(time.Minute)

		err := st.WithPortfolio(ctx, "alice", func(tx Tx) error {
			p := tx.Portfolio()
			p.CashBalance = d(98100)
			p.Positions["AAPL"] = model.Position{Symbol: "AAPL", Quantity: 10, AvgCost: d(190), LastUpdated: filledAt}
			p.Positions["TSLA"] = model.Position{Symbol: "TSLA", Quantity: -5, AvgCost: d(250.5), LastUpdated: filledAt}

			o := newOrder("o1", "alice", model.StatusPending, t0)
			o.OrderType = model.Limit
			o.LimitPrice = decimal.NewNullDecimal(d(191.25))
			if err := tx.AppendOrder(o); err != nil {
				return err
			}
			if err := tx.UpdateOrder("o1", func(o *model.Order) error {
				o.Status = model.StatusFilled
				o.FilledAt = &filledAt
				o.FilledPrice = decimal.NewNullDecimal(d(190))
				o.FilledQuantity = 10
				return nil
			}); err != nil {
				return err
			}
			return tx.AppendTrade(&model.Trade{
				TradeID: "t1", OrderID: "o1", UserID: "alice", Symbol: "AAPL", Side: model.Buy,
				Quantity: 10, Price: d(190), Value: d(1900), CostBasis: d(190), RealizedPnL: decimal.Zero,
				ExecutedAt: filledAt,
			})
		})
		require.NoError(t, err)

		p, err := st.GetPortfolio(ctx, "alice")
		require.NoError(t, err)
		require.True(t, d(98100).Equal(p.CashBalance))
		require.Len(t, p.Positions, 2)
		require.Equal(t, int64(-5), p.Positions["TSLA"].Quantity)
		require.True(t, d(250.5).Equal(p.Positions["TSLA"].AvgCost))

		o, err := st.GetOrder(ctx, "o1")
		require.NoError(t, err)
		require.Equal(t, model.StatusFilled, o.Status)
		require.Equal(t, model.Limit, o.OrderType)
		require.True(t, o.LimitPrice.Valid)
		require.True(t, d(191.25).Equal(o.LimitPrice.Decimal))
		require.True(t, d(190).Equal(o.FilledPrice.Decimal))
		require.NotNil(t, o.FilledAt)
		require.True(t, filledAt.Equal(*o.FilledAt))
		require.Nil(t, o.CancelledAt)

		trades, err := st.ListTrades(ctx, "alice", time.Time{})
		require.NoError(t, err)
		require.Len(t, trades, 1)
		require.True(t, d(1900).Equal(trades[0].Value))
		require.True(t, filledAt.Equal(trades[0].ExecutedAt))
	})

	t.Run("ErrorRollsBack", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, AppendOrder(ctx, st, newOrder("o1", "alice", model.StatusPending, t0)))

		boom := errors.New("boom")
		err := st.WithPortfolio(ctx, "alice", func(tx Tx) error {
			tx.Portfolio().CashBalance = d(1)
			tx.Portfolio().Positions["X"] = model.Position{Symbol: "X", Quantity: 1, AvgCost: d(1)}
			if err := tx.AppendOrder(newOrder("o2", "alice", model.StatusPending, t0)); err != nil {
				return err
			}
			if err := tx.UpdateOrder("o1", func(o *model.Order) error {
				o.Status = model.StatusCancelled
				return nil
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		p, err := st.GetPortfolio(ctx, "alice")
		require.NoError(t, err)
		require.True(t, d(100000).Equal(p.CashBalance))
		require.Empty(t, p.Positions)

		_, err = st.GetOrder(ctx, "o2")
		require.ErrorIs(t, err, ErrOrderNotFound)
		o, err := st.GetOrder(ctx, "o1")
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, o.Status)
	})

	t.Run("UpdateOrderErrorAborts", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, AppendOrder(ctx, st, newOrder("o1", "alice", model.StatusPending, t0)))

		stop := errors.New("not pending")
		err := UpdateOrder(ctx, st, "alice", "o1", func(o *model.Order) error {
			o.Status = model.StatusFilled
			return stop
		})
		require.ErrorIs(t, err, stop)

		o, err := st.GetOrder(ctx, "o1")
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, o.Status)
	})

	t.Run("OrdersAreScopedToOwner", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, AppendOrder(ctx, st, newOrder("o1", "alice", model.StatusPending, t0)))

		err := st.WithPortfolio(ctx, "bob", func(tx Tx) error {
			_, err := tx.Order("o1")
			return err
		})
		require.ErrorIs(t, err, ErrOrderNotFound)

		err = UpdateOrder(ctx, st, "bob", "o1", func(o *model.Order) error { return nil })
		require.ErrorIs(t, err, ErrOrderNotFound)

		_, err = st.GetOrder(ctx, "missing")
		require.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("DuplicateIDs", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, AppendOrder(ctx, st, newOrder("o1", "alice", model.StatusPending, t0)))
		err := AppendOrder(ctx, st, newOrder("o1", "alice", model.StatusPending, t0))
		require.ErrorIs(t, err, ErrDuplicate)

		tr := &model.Trade{TradeID: "t1", OrderID: "o1", UserID: "alice", Symbol: "AAPL", Side: model.Buy,
			Quantity: 1, Price: d(1), Value: d(1), CostBasis: d(1), RealizedPnL: decimal.Zero, ExecutedAt: t0}
		require.NoError(t, AppendTrade(ctx, st, tr))
		require.ErrorIs(t, AppendTrade(ctx, st, tr), ErrDuplicate)
	})

	t.Run("ListingOrder", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, AppendOrder(ctx, st, newOrder("a1", "alice", model.StatusPending, t0)))
		require.NoError(t, AppendOrder(ctx, st, newOrder("b1", "bob", model.StatusPending, t0.Add(time.Second))))
		require.NoError(t, AppendOrder(ctx, st, newOrder("a2", "alice", model.StatusFilled, t0.Add(2*time.Second))))
		require.NoError(t, AppendOrder(ctx, st, newOrder("a3", "alice", model.StatusPending, t0.Add(3*time.Second))))

		orders, err := st.ListOrders(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, []string{"a1", "a2", "a3"}, orderIDs(orders))

		pending, err := st.ListPendingOrders(ctx, "")
		require.NoError(t, err)
		require.Equal(t, []string{"a1", "b1", "a3"}, orderIDs(pending))

		pending, err = st.ListPendingOrders(ctx, "bob")
		require.NoError(t, err)
		require.Equal(t, []string{"b1"}, orderIDs(pending))

		orders, err = st.ListOrders(ctx, "carol")
		require.NoError(t, err)
		require.Empty(t, orders)
	})

	t.Run("TradesSince", func(t *testing.T) {
		st := newStore(t)
		for i, user := range []string{"alice", "bob", "alice"} {
			oid := fmt.Sprintf("o%d", i)
			at := t0.Add(time.Duration(i) * time.Hour)
			require.NoError(t, AppendOrder(ctx, st, newOrder(oid, user, model.StatusFilled, at)))
			require.NoError(t, AppendTrade(ctx, st, &model.Trade{
				TradeID: fmt.Sprintf("t%d", i), OrderID: oid, UserID: user, Symbol: "AAPL", Side: model.Buy,
				Quantity: 1, Price: d(10), Value: d(10), CostBasis: d(10), RealizedPnL: decimal.Zero, ExecutedAt: at,
			}))
		}

		all, err := st.ListTrades(ctx, "", time.Time{})
		require.NoError(t, err)
		require.Len(t, all, 3)

		alice, err := st.ListTrades(ctx, "alice", t0.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, alice, 1)
		require.Equal(t, "t2", alice[0].TradeID)
	})

	t.Run("ConcurrentWritersDoNotLoseUpdates", func(t *testing.T) {
		st := newStore(t)
		const workers = 20

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- st.WithPortfolio(ctx, "alice", func(tx Tx) error {
					p := tx.Portfolio()
					p.CashBalance = p.CashBalance.Sub(d(10))
					pos := p.Positions["AAPL"]
					pos.Symbol = "AAPL"
					pos.Quantity++
					pos.AvgCost = d(10)
					p.Positions["AAPL"] = pos
					return nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		p, err := st.GetPortfolio(ctx, "alice")
		require.NoError(t, err)
		require.True(t, d(100000-10*workers).Equal(p.CashBalance), "cash %s", p.CashBalance)
		require.Equal(t, int64(workers), p.Positions["AAPL"].Quantity)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		st := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		err := st.WithPortfolio(cctx, "alice", func(tx Tx) error {
			called = true
			return nil
		})
		require.Error(t, err)
		require.False(t, called)
	})
}

func orderIDs(orders []model.Order) []string {
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.OrderID
	}
	return ids
}

func TestMemoryStore(t *testing.T) {
	runConformance(t, func(t *testing.T) Store {
		return NewMemoryStore(WithClock(fixedNow))
	})
}

func TestSQLiteStore(t *testing.T) {
	runConformance(t, func(t *testing.T) Store {
		st, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), WithClock(fixedNow))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	st, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, st.WithPortfolio(ctx, "alice", func(tx Tx) error {
		tx.Portfolio().CashBalance = d(123.45)
		return nil
	}))
	require.NoError(t, st.Close())

	st, err = OpenSQLite(path)
	require.NoError(t, err)
	defer st.Close()

	p, err := st.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d(123.45).Equal(p.CashBalance))
}

func TestMemoryStore_InitialCashOption(t *testing.T) {
	st := NewMemoryStore(WithInitialCash(d(5000)))
	p, err := st.GetPortfolio(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, d(5000).Equal(p.CashBalance))
}

// TestPostgresStore runs against a disposable database named by
// TEST_DATABASE_URL. Every table is truncated before each subtest.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	base := NewPostgresStore(pool, WithClock(fixedNow))
	require.NoError(t, base.Migrate(ctx))

	runConformance(t, func(t *testing.T) Store {
		_, err := pool.Exec(ctx, `TRUNCATE trades, orders, positions, portfolios`)
		require.NoError(t, err)
		return NewPostgresStore(pool, WithClock(fixedNow))
	})
}

// TestCachedStore wraps a memory store with the Redis cache named by
// TEST_REDIS_URL. The selected database is flushed before each subtest.
func TestCachedStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	runConformance(t, func(t *testing.T) Store {
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		return NewCachedStore(NewMemoryStore(WithClock(fixedNow)), rdb, time.Minute)
	})
}

func TestMemoryStore_DuplicateIDAcrossUsersFailsCommit(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(WithClock(fixedNow))

	// bob commits the same order id while alice's transaction has it staged.
	err := st.WithPortfolio(ctx, "alice", func(tx Tx) error {
		require.NoError(t, tx.AppendOrder(newOrder("o-dup", "alice", model.StatusPending, t0)))
		require.NoError(t, st.WithPortfolio(ctx, "bob", func(tx Tx) error {
			return tx.AppendOrder(newOrder("o-dup", "bob", model.StatusPending, t0))
		}))
		tx.Portfolio().CashBalance = d(1)
		return nil
	})
	require.ErrorIs(t, err, ErrDuplicate)

	o, err := st.GetOrder(ctx, "o-dup")
	require.NoError(t, err)
	require.Equal(t, "bob", o.UserID)

	alice, err := st.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d(100000).Equal(alice.CashBalance))
	require.Zero(t, alice.Version)

	orders, err := st.ListOrders(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestMemoryStore_DuplicateTradeIDAcrossUsersFailsCommit(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(WithClock(fixedNow))
	trade := func(user, order string) *model.Trade {
		return &model.Trade{TradeID: "t-dup", OrderID: order, UserID: user, Symbol: "AAPL",
			Side: model.Buy, Quantity: 1, Price: d(10), Value: d(10), ExecutedAt: t0}
	}

	err := st.WithPortfolio(ctx, "alice", func(tx Tx) error {
		require.NoError(t, tx.AppendOrder(newOrder("o-a", "alice", model.StatusFilled, t0)))
		require.NoError(t, tx.AppendTrade(trade("alice", "o-a")))
		require.NoError(t, st.WithPortfolio(ctx, "bob", func(tx Tx) error {
			if err := tx.AppendOrder(newOrder("o-b", "bob", model.StatusFilled, t0)); err != nil {
				return err
			}
			return tx.AppendTrade(trade("bob", "o-b"))
		}))
		return nil
	})
	require.ErrorIs(t, err, ErrDuplicate)

	trades, err := st.ListTrades(ctx, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "bob", trades[0].UserID)
}

// readHookStore runs afterRead once, right after the wrapped store loads a
// portfolio and before the caller sees it.
type readHookStore struct {
	Store
	afterRead func()
}

func (s *readHookStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	p, err := s.Store.GetPortfolio(ctx, userID)
	if hook := s.afterRead; hook != nil {
		s.afterRead = nil
		hook()
	}
	return p, err
}

func TestCachedStore_WriteDuringMissIsNotOverwritten(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	require.NoError(t, rdb.FlushDB(ctx).Err())

	primary := &readHookStore{Store: NewMemoryStore(WithClock(fixedNow))}
	cached := NewCachedStore(primary, rdb, time.Minute)
	setCash := func(v float64) {
		require.NoError(t, cached.WithPortfolio(ctx, "alice", func(tx Tx) error {
			tx.Portfolio().CashBalance = d(v)
			return nil
		}))
	}
	setCash(90000)

	// A write commits after the miss loaded 90000 but before it is cached.
	primary.afterRead = func() { setCash(80000) }
	p, err := cached.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d(90000).Equal(p.CashBalance))

	p, err = cached.GetPortfolio(ctx, "alice")
	require.NoError(t, err)
	require.True(t, d(80000).Equal(p.CashBalance), "got %s", p.CashBalance)
}
