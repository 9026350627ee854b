package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"PORT", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "CACHE_TTL",
	"QUOTE_API_URL", "QUOTE_API_KEY", "QUOTE_TIMEOUT",
	"MARKET_TIMEZONE", "MARKET_OPEN_HOUR", "INITIAL_CASH",
	"SLIPPAGE_MODEL", "SLIPPAGE_PCT", "SWEEP_INTERVAL",
	"MAX_POSITION_QTY", "MAX_GROSS_EXPOSURE",
}

// clearEnv blanks every setting for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := fromEnv()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 30*time.Second, cfg.CacheTTL)
	require.Equal(t, 3*time.Second, cfg.QuoteTimeout)
	require.Equal(t, time.Minute, cfg.SweepInterval)
	require.Equal(t, "America/Los_Angeles", cfg.MarketTimezone)
	require.Equal(t, 13, cfg.MarketOpenHour)
	require.True(t, cfg.InitialCash.Equal(decimal.NewFromInt(100000)))
	require.Equal(t, "uniform", cfg.SlippageModel)
	require.True(t, cfg.SlippagePct.Equal(decimal.RequireFromString("0.01")))
	require.Zero(t, cfg.MaxPositionQty)
	require.True(t, cfg.MaxGrossExposure.IsZero())
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("SQLITE_PATH", "/tmp/ledger.db")
	t.Setenv("MARKET_TIMEZONE", "America/New_York")
	t.Setenv("MARKET_OPEN_HOUR", "9")
	t.Setenv("SLIPPAGE_MODEL", "none")
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("MAX_POSITION_QTY", "500")

	cfg, err := fromEnv()
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "/tmp/ledger.db", cfg.SQLitePath)
	require.Equal(t, "America/New_York", cfg.MarketTimezone)
	require.Equal(t, 9, cfg.MarketOpenHour)
	require.Equal(t, "none", cfg.SlippageModel)
	require.Equal(t, 15*time.Second, cfg.SweepInterval)
	require.Equal(t, int64(500), cfg.MaxPositionQty)
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]string{
		"MARKET_OPEN_HOUR":   "25",
		"MARKET_TIMEZONE":    "Mars/Olympus_Mons",
		"SLIPPAGE_MODEL":     "gaussian",
		"SLIPPAGE_PCT":       "1.5",
		"INITIAL_CASH":       "lots",
		"QUOTE_TIMEOUT":      "soon",
		"MAX_POSITION_QTY":   "-1",
		"MAX_GROSS_EXPOSURE": "-10",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)
			_, err := fromEnv()
			require.Error(t, err)
		})
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, godotenv.Write(map[string]string{"PORT": "7070", "MARKET_OPEN_HOUR": "10"}, filepath.Join(dir, ".env")))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	t.Setenv("PORT", "6060")
	os.Unsetenv("MARKET_OPEN_HOUR")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "6060", cfg.Port)
	require.Equal(t, 10, cfg.MarketOpenHour)
}
