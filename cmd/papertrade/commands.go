package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/app"
	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/model"
)

const defaultDB = "papertrade.db"

var stdout io.Writer = os.Stdout

var commands = []subcommands.Command{
	&statusCmd{},
	&orderCmd{},
	&cancelCmd{},
	&positionsCmd{},
	&summaryCmd{},
	&pendingCmd{},
	&sweepCmd{},
	&tradesCmd{},
}

// openApp loads configuration and wires the engine. Without a database
// setting the CLI falls back to an SQLite file rather than memory, so that
// successive invocations share a ledger.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultDB
	}
	return app.New(ctx, cfg)
}

// run opens the app, calls fn and reports errors the way users see them.
func run(ctx context.Context, fn func(*app.App) error) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := fn(a); err != nil {
		fmt.Fprintln(os.Stderr, engine.UserMessage(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("Mon Jan 2 15:04 MST")
}

// --- status ---

type statusCmd struct{}

func (*statusCmd) Name() string           { return "status" }
func (*statusCmd) Synopsis() string       { return "show whether the market is open" }
func (*statusCmd) Usage() string          { return "papertrade status\n" }
func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (*statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(a *app.App) error {
		st := a.Engine.MarketStatus()
		if st.Open {
			fmt.Fprintln(stdout, "Market is open")
			return nil
		}
		fmt.Fprintf(stdout, "Market is closed; next open %s\n", fmtTime(&st.NextOpen))
		return nil
	})
}

// --- order ---

type orderCmd struct {
	user  string
	side  string
	qty   int64
	limit string
}

func (*orderCmd) Name() string     { return "order" }
func (*orderCmd) Synopsis() string { return "place a market or limit order" }
func (*orderCmd) Usage() string {
	return `papertrade order -user <id> -side <buy|sell|short_sell|short_cover> -qty <n> [-limit <price>] <symbol>

  Places an order. While the market is open it fills immediately; otherwise
  it is queued until the next open.
`
}

func (c *orderCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "user id")
	f.StringVar(&c.side, "side", "buy", "order side")
	f.Int64Var(&c.qty, "qty", 0, "number of shares")
	f.StringVar(&c.limit, "limit", "", "limit price; omit for a market order")
}

func (c *orderCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	req := engine.OrderRequest{
		UserID:    c.user,
		Symbol:    f.Arg(0),
		Side:      model.Side(c.side),
		Quantity:  c.qty,
		OrderType: model.Market,
	}
	if c.limit != "" {
		px, err := decimal.NewFromString(c.limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid limit price %q\n", c.limit)
			return subcommands.ExitUsageError
		}
		req.OrderType = model.Limit
		req.LimitPrice = decimal.NewNullDecimal(px)
	}

	return run(ctx, func(a *app.App) error {
		res, err := a.Engine.PlaceOrder(ctx, req)
		if res != nil {
			fmt.Fprintf(stdout, "%s [%s] %s\n", res.Order.OrderID, res.Order.Status, res.Message)
		}
		return err
	})
}

// --- cancel ---

type cancelCmd struct {
	user string
}

func (*cancelCmd) Name() string     { return "cancel" }
func (*cancelCmd) Synopsis() string { return "cancel a pending order" }
func (*cancelCmd) Usage() string    { return "papertrade cancel -user <id> <order_id>\n" }

func (c *cancelCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "user id")
}

func (c *cancelCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	return run(ctx, func(a *app.App) error {
		o, err := a.Engine.CancelOrder(ctx, c.user, f.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s cancelled\n", o.OrderID)
		return nil
	})
}

// --- positions ---

type positionsCmd struct {
	user string
}

func (*positionsCmd) Name() string     { return "positions" }
func (*positionsCmd) Synopsis() string { return "list a user's positions" }
func (*positionsCmd) Usage() string    { return "papertrade positions -user <id>\n" }

func (c *positionsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "user id")
}

func (c *positionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(a *app.App) error {
		positions, err := a.Engine.Positions(ctx, c.user)
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "SYMBOL\tQUANTITY\tAVG COST")
		for _, p := range positions {
			fmt.Fprintf(w, "%s\t%d\t%s\n", p.Symbol, p.Quantity, p.AvgCost.StringFixed(2))
		}
		return w.Flush()
	})
}

// --- summary ---

type summaryCmd struct {
	user string
}

func (*summaryCmd) Name() string     { return "summary" }
func (*summaryCmd) Synopsis() string { return "value a user's portfolio at current prices" }
func (*summaryCmd) Usage() string    { return "papertrade summary -user <id>\n" }

func (c *summaryCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "user id")
}

func (c *summaryCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(a *app.App) error {
		sum, err := a.Engine.Summary(ctx, c.user)
		if err != nil {
			return err
		}
		pnl, err := a.Engine.DailyPnL(ctx, c.user)
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "SYMBOL\tQUANTITY\tAVG COST\tPRICE\tVALUE\tUNREALIZED")
		for _, p := range sum.Positions {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", p.Symbol, p.Quantity,
				p.AvgCost.StringFixed(2), p.CurrentPrice.StringFixed(2),
				p.MarketValue.StringFixed(2), p.UnrealizedPnL.StringFixed(2))
		}
		fmt.Fprintf(w, "\nCash\t%s\n", sum.CashBalance.StringFixed(2))
		fmt.Fprintf(w, "Positions\t%s\n", sum.PositionsValue.StringFixed(2))
		fmt.Fprintf(w, "Total\t%s\n", sum.TotalValue.StringFixed(2))
		fmt.Fprintf(w, "Return\t%s (%s%%)\n", sum.TotalReturn.StringFixed(2), sum.TotalReturnPct.StringFixed(2))
		fmt.Fprintf(w, "Today's P&L\t%s\n", pnl.StringFixed(2))
		return w.Flush()
	})
}

// --- pending ---

type pendingCmd struct {
	user string
}

func (*pendingCmd) Name() string     { return "pending" }
func (*pendingCmd) Synopsis() string { return "list pending orders" }
func (*pendingCmd) Usage() string    { return "papertrade pending [-user <id>]\n" }

func (c *pendingCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "user id; empty lists every user")
}

func (c *pendingCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(a *app.App) error {
		orders, err := a.Engine.PendingOrders(ctx, c.user)
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ORDER\tUSER\tSIDE\tQUANTITY\tSYMBOL\tTYPE\tESTIMATED")
		for _, o := range orders {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", o.OrderID, o.UserID, o.Side,
				o.Quantity, o.Symbol, o.OrderType, fmtTime(o.EstimatedExecution))
		}
		return w.Flush()
	})
}

// --- sweep ---

type sweepCmd struct{}

func (*sweepCmd) Name() string           { return "sweep" }
func (*sweepCmd) Synopsis() string       { return "settle pending orders now" }
func (*sweepCmd) Usage() string          { return "papertrade sweep\n" }
func (*sweepCmd) SetFlags(*flag.FlagSet) {}

func (*sweepCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(a *app.App) error {
		res, err := a.Engine.SettlePending(ctx)
		if err != nil {
			return err
		}
		if res.MarketClosed {
			fmt.Fprintln(stdout, "Market is closed; nothing settled")
			return nil
		}
		fmt.Fprintf(stdout, "visited %d, filled %d, failed %d, still pending %d\n",
			res.Visited, res.Filled, res.Failed, res.StillPending)
		return nil
	})
}

// --- trades ---

type tradesCmd struct {
	user  string
	since string
}

func (*tradesCmd) Name() string     { return "trades" }
func (*tradesCmd) Synopsis() string { return "list a user's executed trades" }
func (*tradesCmd) Usage() string    { return "papertrade trades -user <id> [-since YYYY-MM-DD]\n" }

func (c *tradesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "user id")
	f.StringVar(&c.since, "since", "", "first trading day to include")
}

func (c *tradesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, func(a *app.App) error {
		var since time.Time
		if c.since != "" {
			var err error
			since, err = time.ParseInLocation("2006-01-02", c.since, a.Gate.Location())
			if err != nil {
				return fmt.Errorf("%w: since must be YYYY-MM-DD", engine.ErrInvalidRequest)
			}
		}
		trades, err := a.Engine.Trades(ctx, c.user, since)
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "EXECUTED\tSIDE\tQUANTITY\tSYMBOL\tPRICE\tREALIZED")
		for _, t := range trades {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", fmtTime(&t.ExecutedAt), t.Side,
				t.Quantity, t.Symbol, t.Price.String(), t.RealizedPnL.StringFixed(2))
		}
		return w.Flush()
	})
}
