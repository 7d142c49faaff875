package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "paper"
log_level = "debug"
instruments = ["BTC-USD", "ETH-USD"]

[venue]
kind = "paper"
slippage_bps = 2.5

[feed]
kind = "csv"
file = "bars.csv"

[account]
equity = 50000.0

[controller]
snapshot_interval = "15s"

[risk]
entry_timeout = "45s"

[risk.drawdown]
halt_pct = 0.25

[[strategies]]
id = "mr_fast"
kind = "mean_reversion"
take_profit_pct = 0.02
stop_loss_pct = 0.03
time_limit = "1h"
[strategies.params]
lookback = 20

[[strategies]]
id = "mom"
kind = "momentum"
instruments = ["BTC-USD"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allocbot.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Instruments)
	assert.Equal(t, 2.5, cfg.Venue.SlippageBps)
	assert.Equal(t, 50000.0, cfg.Account.Equity)
	assert.Equal(t, 15*time.Second, cfg.Controller.SnapshotInterval.Duration)
	assert.Equal(t, 45*time.Second, cfg.Risk.EntryTimeout.Duration)
	assert.Equal(t, 5, cfg.Risk.MaxExitRetries, "default kept")
	assert.Equal(t, 0.25, cfg.Risk.Drawdown.HaltPct)
	assert.Equal(t, 0.15, cfg.Risk.Drawdown.ReducingPct, "default kept")
	assert.Equal(t, 0.03, cfg.Risk.Drawdown.DailyLossPct, "default kept")
	assert.Equal(t, 90, cfg.Allocator.Lookback, "default kept")

	require.Len(t, cfg.Strategies, 2)
	assert.Equal(t, time.Hour, cfg.Strategies[0].TimeLimit.Duration)
	assert.Equal(t, int64(20), cfg.Strategies[0].Params["lookback"])
	assert.True(t, cfg.Strategies[0].RunsOn("ETH-USD"))
	assert.False(t, cfg.Strategies[1].RunsOn("ETH-USD"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ALLOCBOT_ACCOUNT_EQUITY", "1234.5")
	t.Setenv("ALLOCBOT_INSTRUMENTS", "SOL-USD, BTC-USD ,")
	t.Setenv("ALLOCBOT_CONTROLLER_LOCK_TTL", "90s")
	t.Setenv("ALLOCBOT_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, 1234.5, cfg.Account.Equity)
	assert.Equal(t, []string{"SOL-USD", "BTC-USD"}, cfg.Instruments)
	assert.Equal(t, 90*time.Second, cfg.Controller.LockTTL.Duration)
	assert.Equal(t, 8080, cfg.Server.Port, "unparseable override ignored")
}

func TestLoadRejectsBadTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "mode = "))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.LogLevel = "loud"
	cfg.Account.Equity = 0
	cfg.Strategies = []StrategyEntry{{ID: "a", Kind: "momentum"}, {ID: "a"}}
	cfg.Risk.Drawdown.WarningPct = 0.3

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"config validation failed",
		"unknown log_level",
		"postgres: must be enabled in live mode",
		"venue: live mode requires kind \"rest\"",
		"account: equity must be > 0",
		"duplicate id \"a\"",
		"kind must not be empty",
		"instruments: at least one instrument is required",
		"risk: drawdown levels must satisfy",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateRestVenue(t *testing.T) {
	cfg := Defaults()
	cfg.Instruments = []string{"BTC-USD"}
	cfg.Strategies = []StrategyEntry{{ID: "a", Kind: "momentum"}}
	cfg.Feed.Kind = "ws"
	cfg.Feed.URL = "wss://example.test/bars"
	cfg.Venue.Kind = "rest"
	cfg.Venue.SecretPath = "venue.key"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venue: base_url must not be empty")
	assert.Contains(t, err.Error(), "venue: secret_password is required")

	cfg.Venue.BaseURL = "https://venue.test"
	cfg.Venue.APIKey = "k"
	cfg.Venue.SecretPass = "pw"
	assert.NoError(t, cfg.Validate())
}

func TestServerModeNeedsNoStrategies(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	cfg.Redis.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Venue.APISecret = "venue-secret"
	cfg.Server.APIKeys = []string{"key-1"}
	cfg.Notify.Events = []string{"fatal"}
	cfg.Strategies = []StrategyEntry{{ID: "a", Params: map[string]any{"lookback": 5}}}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Venue.APISecret)
	assert.Equal(t, []string{"***"}, out.Server.APIKeys)
	assert.Empty(t, out.Venue.APIKey, "empty fields stay empty")

	out.Notify.Events[0] = "changed"
	out.Strategies[0].Params["lookback"] = 9
	assert.Equal(t, "fatal", cfg.Notify.Events[0])
	assert.Equal(t, 5, cfg.Strategies[0].Params["lookback"])
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
