// Package app assembles the store, price chain, market gate and engine from
// configuration. Both the server and the admin CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/limits"
	"github.com/atmx/papertrade/internal/markethours"
	"github.com/atmx/papertrade/internal/quote"
	"github.com/atmx/papertrade/internal/store"
)

// App holds the wired components.
type App struct {
	Store   store.Store
	Prices  quote.Source
	Gate    *markethours.Gate
	Engine  *engine.Engine
	Sweeper *engine.Sweeper

	cleanup []func()
}

// New connects to the configured backends. Extra engine options (a
// notifier, for example) are applied after the configured ones.
func New(ctx context.Context, cfg *config.Config, opts ...engine.Option) (*App, error) {
	a := &App{}
	if err := a.init(ctx, cfg, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg *config.Config, opts []engine.Option) error {
	storeOpts := []store.Option{store.WithInitialCash(cfg.InitialCash)}

	// --- Initialize store ---
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, storeOpts...)
		a.Store = pg
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		sq, err := store.OpenSQLite(cfg.SQLitePath, storeOpts...)
		if err != nil {
			return err
		}
		a.cleanup = append(a.cleanup, func() { sq.Close() })
		a.Store = sq
		slog.Info("using SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore(storeOpts...)
	}

	// Wrap with Redis read-through cache if configured.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		a.Store = store.NewCachedStore(a.Store, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}

	// --- Prices ---
	var live quote.Source
	if cfg.QuoteAPIURL != "" {
		live = quote.NewHTTPSource(cfg.QuoteAPIURL, cfg.QuoteAPIKey, cfg.QuoteTimeout)
		if rdb != nil {
			live = quote.NewRedisCache(live, rdb, quote.DefaultCacheTTL)
		}
		slog.Info("live quotes enabled", "url", cfg.QuoteAPIURL)
	} else {
		slog.Warn("QUOTE_API_URL not set, using static prices")
	}
	a.Prices = quote.NewFallback(live, quote.DefaultPrices(), cfg.QuoteTimeout)

	// --- Market hours ---
	gate, err := markethours.LoadGate(cfg.MarketTimezone, cfg.MarketOpenHour)
	if err != nil {
		return fmt.Errorf("market timezone: %w", err)
	}
	a.Gate = gate

	// --- Engine ---
	slip, err := engine.NewSlippage(cfg.SlippageModel, cfg.SlippagePct, nil)
	if err != nil {
		return err
	}
	engineOpts := []engine.Option{engine.WithSlippage(slip)}
	if limiter := limits.NewPositionLimiter(cfg.MaxPositionQty, cfg.MaxGrossExposure); limiter.Enabled() {
		engineOpts = append(engineOpts, engine.WithLimiter(limiter))
		slog.Info("position limits enabled",
			"max_per_symbol", limiter.MaxPerSymbol,
			"max_gross_exposure", limiter.MaxGrossExposure.String(),
		)
	}
	engineOpts = append(engineOpts, opts...)

	a.Engine = engine.New(a.Store, a.Prices, gate, engineOpts...)
	a.Sweeper = engine.NewSweeper(a.Engine, cfg.SweepInterval)
	return nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
