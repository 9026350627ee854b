package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"github.com/stretchr/testify/require"
)

// exec runs one command with args and captures what it prints.
func exec(t *testing.T, cmd subcommands.Command, args ...string) (subcommands.ExitStatus, string) {
	t.Helper()
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })

	f := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(f)
	require.NoError(t, f.Parse(args))
	return cmd.Execute(context.Background(), f), buf.String()
}

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("QUOTE_API_URL", "")
	t.Setenv("SLIPPAGE_MODEL", "none")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "cli.db"))
}

func TestOrderThenPositions(t *testing.T) {
	setupEnv(t)

	status, out := exec(t, &orderCmd{}, "-user", "u1", "-side", "buy", "-qty", "5", "AAPL")
	require.Equal(t, subcommands.ExitSuccess, status)
	// Depending on the wall clock the order fills or is queued.
	require.True(t, strings.Contains(out, "[filled]") || strings.Contains(out, "[pending]"), out)

	status, out = exec(t, &pendingCmd{}, "-user", "u1")
	require.Equal(t, subcommands.ExitSuccess, status)
	require.Contains(t, out, "ORDER")

	status, out = exec(t, &statusCmd{})
	require.Equal(t, subcommands.ExitSuccess, status)
	require.Contains(t, out, "Market is")
}

func TestOrder_Rejected(t *testing.T) {
	setupEnv(t)

	status, _ := exec(t, &orderCmd{}, "-user", "u1", "-side", "sell", "-qty", "5", "AAPL")
	require.Equal(t, subcommands.ExitFailure, status)

	status, _ = exec(t, &orderCmd{}, "-user", "u1", "-qty", "5")
	require.Equal(t, subcommands.ExitUsageError, status)

	status, _ = exec(t, &orderCmd{}, "-user", "u1", "-qty", "5", "-limit", "abc", "AAPL")
	require.Equal(t, subcommands.ExitUsageError, status)
}

func TestCancel_Unknown(t *testing.T) {
	setupEnv(t)

	status, _ := exec(t, &cancelCmd{}, "-user", "u1", "missing")
	require.Equal(t, subcommands.ExitFailure, status)
}

func TestSummaryAndTrades_EmptyUser(t *testing.T) {
	setupEnv(t)

	status, out := exec(t, &summaryCmd{}, "-user", "nobody")
	require.Equal(t, subcommands.ExitSuccess, status)
	require.Contains(t, out, "100000.00")
	require.Contains(t, out, "0.00 (0.00%)")

	status, out = exec(t, &tradesCmd{}, "-user", "nobody", "-since", "2024-01-01")
	require.Equal(t, subcommands.ExitSuccess, status)
	require.Contains(t, out, "EXECUTED")

	status, _ = exec(t, &tradesCmd{}, "-user", "nobody", "-since", "yesterday")
	require.Equal(t, subcommands.ExitFailure, status)
}
