// Package config loads service settings from the environment, with an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/markethours"
)

type Config struct {
	Port string

	DatabaseURL string // Postgres; wins over SQLitePath
	SQLitePath  string // embedded store; empty with no DatabaseURL → in-memory
	RedisURL    string
	CacheTTL    time.Duration

	QuoteAPIURL  string // empty → static prices only
	QuoteAPIKey  string
	QuoteTimeout time.Duration

	MarketTimezone string
	MarketOpenHour int

	InitialCash   decimal.Decimal
	SlippageModel string // "uniform", "adverse" or "none"
	SlippagePct   decimal.Decimal
	SweepInterval time.Duration

	MaxPositionQty   int64           // 0 = off
	MaxGrossExposure decimal.Decimal // 0 = off
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		Port:           getEnvDefault("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     os.Getenv("SQLITE_PATH"),
		RedisURL:       os.Getenv("REDIS_URL"),
		QuoteAPIURL:    os.Getenv("QUOTE_API_URL"),
		QuoteAPIKey:    os.Getenv("QUOTE_API_KEY"),
		MarketTimezone: getEnvDefault("MARKET_TIMEZONE", "America/Los_Angeles"),
		SlippageModel:  getEnvDefault("SLIPPAGE_MODEL", "uniform"),
	}

	var err error
	if cfg.CacheTTL, err = durationEnv("CACHE_TTL", "30s"); err != nil {
		return nil, err
	}
	if cfg.QuoteTimeout, err = durationEnv("QUOTE_TIMEOUT", "3s"); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", "1m"); err != nil {
		return nil, err
	}
	if cfg.InitialCash, err = decimalEnv("INITIAL_CASH", "100000"); err != nil {
		return nil, err
	}
	if cfg.SlippagePct, err = decimalEnv("SLIPPAGE_PCT", "0.01"); err != nil {
		return nil, err
	}
	if cfg.MaxGrossExposure, err = decimalEnv("MAX_GROSS_EXPOSURE", "0"); err != nil {
		return nil, err
	}

	hour, err := strconv.Atoi(getEnvDefault("MARKET_OPEN_HOUR", "13"))
	if err != nil {
		return nil, fmt.Errorf("MARKET_OPEN_HOUR: %w", err)
	}
	cfg.MarketOpenHour = hour

	cfg.MaxPositionQty, err = strconv.ParseInt(getEnvDefault("MAX_POSITION_QTY", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("MAX_POSITION_QTY: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MarketOpenHour < 0 || c.MarketOpenHour > 23 {
		return fmt.Errorf("MARKET_OPEN_HOUR must be 0-23, got %d", c.MarketOpenHour)
	}
	if _, err := markethours.LoadGate(c.MarketTimezone, c.MarketOpenHour); err != nil {
		return fmt.Errorf("MARKET_TIMEZONE: %w", err)
	}
	switch c.SlippageModel {
	case "uniform", "adverse", "none":
	default:
		return fmt.Errorf("SLIPPAGE_MODEL must be 'uniform', 'adverse' or 'none', got %q", c.SlippageModel)
	}
	if c.SlippagePct.IsNegative() || c.SlippagePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("SLIPPAGE_PCT must be in [0, 1), got %s", c.SlippagePct)
	}
	if c.InitialCash.IsNegative() {
		return fmt.Errorf("INITIAL_CASH cannot be negative, got %s", c.InitialCash)
	}
	if c.MaxPositionQty < 0 || c.MaxGrossExposure.IsNegative() {
		return fmt.Errorf("position limits cannot be negative")
	}
	if c.QuoteTimeout <= 0 || c.SweepInterval <= 0 || c.CacheTTL <= 0 {
		return fmt.Errorf("QUOTE_TIMEOUT, SWEEP_INTERVAL and CACHE_TTL must be positive")
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key, def string) (time.Duration, error) {
	v, err := time.ParseDuration(getEnvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func decimalEnv(key, def string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(getEnvDefault(key, def))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
