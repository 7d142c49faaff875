package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/config"
	"github.com/alanyoungcy/allocbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func replayConfig(t *testing.T, bars int) *config.Config {
	t.Helper()
	var b strings.Builder
	b.WriteString("time,instrument,open,high,low,close,volume\n")
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		ts := start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		px := 100 + 5*math.Sin(float64(i)/7)
		fmt.Fprintf(&b, "%s,BTC-USD,%.4f,%.4f,%.4f,%.4f,1\n", ts, px, px+0.5, px-0.5, px)
		fmt.Fprintf(&b, "%s,ETH-USD,%.4f,%.4f,%.4f,%.4f,1\n", ts, px/10, px/10+0.05, px/10-0.05, px/10)
	}
	path := filepath.Join(t.TempDir(), "bars.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))

	cfg := config.Defaults()
	cfg.Mode = "replay"
	cfg.Metrics.Enabled = false
	cfg.Instruments = []string{"BTC-USD", "ETH-USD"}
	cfg.Feed.Kind = "csv"
	cfg.Feed.File = path
	cfg.Strategies = []config.StrategyEntry{
		{ID: "mom", Kind: "momentum", TakeProfitPct: 0.02, StopLossPct: 0.03},
		{ID: "mr", Kind: "mean_reversion", Instruments: []string{"BTC-USD"}, TakeProfitPct: 0.02, StopLossPct: 0.03},
	}
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestReplayRunsEveryBar(t *testing.T) {
	cfg := replayConfig(t, 120)
	application := New(cfg, discardLogger())
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snaps, err := application.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	assert.Equal(t, "BTC-USD", snaps[0].Instrument)
	assert.Equal(t, "ETH-USD", snaps[1].Instrument)
	for _, s := range snaps {
		assert.Equal(t, int64(120), s.Cycles, s.Instrument)
		assert.Greater(t, s.Equity, 0.0)
		_, err := json.Marshal(s)
		assert.NoError(t, err)
	}
	assert.Len(t, snaps[0].Allocation.Weights, 2)
	assert.Len(t, snaps[1].Allocation.Weights, 1)
}

func TestReplayMissingFile(t *testing.T) {
	cfg := replayConfig(t, 1)
	cfg.Feed.File = filepath.Join(t.TempDir(), "missing.csv")
	application := New(cfg, discardLogger())
	defer application.Close()

	_, err := application.Replay(context.Background())
	assert.Error(t, err)
}

func TestSpecsForDefaultsPriors(t *testing.T) {
	cfg := replayConfig(t, 1)
	cfg.Strategies[0].PriorAlpha = 3
	cfg.Strategies[0].TimeLimit.Duration = time.Hour

	btc := specsFor(cfg, "BTC-USD")
	require.Len(t, btc, 2)
	assert.Equal(t, 3.0, btc[0].PriorAlpha)
	assert.Equal(t, 1.0, btc[0].WinPriorAlpha)
	assert.Equal(t, 1.0, btc[1].PriorAlpha)
	assert.Equal(t, time.Hour, btc[0].Barriers.TimeLimit)
	assert.Equal(t, 0.03, btc[1].Barriers.StopLossPct)

	eth := specsFor(cfg, "ETH-USD")
	require.Len(t, eth, 1)
	assert.Equal(t, "mom", eth[0].Provider.ID)
}

func TestSettingsFor(t *testing.T) {
	cfg := replayConfig(t, 1)
	s := settingsFor(cfg, "ETH-USD")
	assert.Equal(t, "ETH-USD", s.Loop.Instrument)
	assert.Equal(t, cfg.Account.Equity, s.Loop.Equity)
	assert.Equal(t, cfg.Regime.Regimes, s.Allocator.Regimes, "allocator shares the regime labels")
	assert.Equal(t, cfg.Risk.EntryTimeout.Duration, s.Risk.EntryTimeout)
	assert.Equal(t, cfg.Account.MaxOpenPositions, s.MaxOpen)

	g := guardConfig(cfg.Venue)
	assert.Equal(t, "paper", g.Name)
	assert.Equal(t, cfg.Venue.BreakerTimeout.Duration, g.OpenTimeout)
}

type controlBus struct {
	ch chan []byte
}

func (b *controlBus) Publish(context.Context, string, []byte) error { return nil }

func (b *controlBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *controlBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *controlBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestInstrumentsControl(t *testing.T) {
	cfg := replayConfig(t, 1)
	application := New(cfg, discardLogger())
	deps, err := application.wire(context.Background())
	require.NoError(t, err)
	defer application.Close()

	venue, err := application.newVenue("paper")
	require.NoError(t, err)
	defer venue.Close()

	set, err := application.buildLoops(context.Background(), deps, venue, 0)
	require.NoError(t, err)
	defer set.Close()

	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, set.names)
	_, ok := set.Snapshot("BTC-USD")
	assert.True(t, ok)
	_, ok = set.Snapshot("SOL-USD")
	assert.False(t, ok)

	assert.NoError(t, set.Resume(context.Background(), "ETH-USD"))
	assert.ErrorIs(t, set.Resume(context.Background(), "SOL-USD"), domain.ErrNotFound)

	bus := &controlBus{ch: make(chan []byte, 4)}
	bus.ch <- []byte(`{"action":"resume","instrument":"BTC-USD"}`)
	bus.ch <- []byte(`{"action":"resume","instrument":"SOL-USD"}`)
	bus.ch <- []byte(`garbage`)
	bus.ch <- []byte(`{"action":"halt","instrument":"BTC-USD"}`)
	close(bus.ch)
	assert.NoError(t, set.listenControl(context.Background(), bus, discardLogger()))
}

func TestNewVenueRejectsUnknownKind(t *testing.T) {
	application := New(replayConfig(t, 1), discardLogger())
	_, err := application.newVenue("fix")
	assert.Error(t, err)
}
