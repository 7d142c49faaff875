package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

type fakePlacer struct {
	reqs []domain.OrderRequest
	fail error
}

func (f *fakePlacer) Submit(_ context.Context, req domain.OrderRequest) error {
	if f.fail != nil {
		return f.fail
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakePlacer) last() domain.OrderRequest { return f.reqs[len(f.reqs)-1] }

type fakeAlerter struct{ events []string }

func (f *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	f.events = append(f.events, event)
	return nil
}

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *fakePlacer, *fakeAlerter) {
	t.Helper()
	p := &fakePlacer{}
	a := &fakeAlerter{}
	e, err := New(cfg, "BTC-USD", p, a, testLogger())
	require.NoError(t, err)
	return e, p, a
}

func intent(strategy string, side domain.Side) domain.TradeIntent {
	return domain.TradeIntent{
		ID:             strategy + "-intent",
		Instrument:     "BTC-USD",
		StrategyID:     strategy,
		Side:           side,
		Size:           0.1,
		ReferencePrice: 100,
		Equity:         10_000,
		Barriers: domain.BarrierConfig{
			TakeProfitPct: 0.02,
			StopLossPct:   0.03,
			TimeLimit:     60 * time.Second,
		},
		CreatedAt: t0,
	}
}

func bar(sec int, low, high, close float64) domain.Bar {
	return domain.Bar{
		Instrument: "BTC-USD",
		Time:       t0.Add(time.Duration(sec) * time.Second),
		Open:       close,
		High:       high,
		Low:        low,
		Close:      close,
	}
}

func fill(req domain.OrderRequest, price float64, at time.Time) domain.ExecutionReport {
	return domain.ExecutionReport{
		OrderID:    req.ID,
		PositionID: req.PositionID,
		Instrument: req.Instrument,
		Purpose:    req.Purpose,
		Kind:       domain.ReportFilled,
		Price:      price,
		Quantity:   req.Quantity,
		Time:       at,
	}
}

func reject(req domain.OrderRequest) domain.ExecutionReport {
	r := fill(req, 0, t0)
	r.Kind = domain.ReportRejected
	r.Message = "venue busy"
	return r
}

// openActive opens and fills a position at 100.
func openActive(t *testing.T, e *Executor, p *fakePlacer, strategy string, side domain.Side) domain.Position {
	t.Helper()
	ctx := context.Background()
	pos, err := e.Open(ctx, intent(strategy, side))
	require.NoError(t, err)
	require.Equal(t, domain.StatePendingEntry, pos.State)

	out, err := e.OnReport(ctx, fill(p.last(), 100, t0))
	require.NoError(t, err)
	require.Nil(t, out)
	ps := e.Positions()
	require.Len(t, ps, 1)
	require.Equal(t, domain.StateActive, ps[0].State)
	return ps[0]
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxExitRetries: 0}.Validate())
	assert.Error(t, Config{MaxExitRetries: 1, EntryTimeout: -time.Second}.Validate())
}

func TestOpenSubmitsEntry(t *testing.T) {
	e, p, _ := newTestExecutor(t, DefaultConfig())
	pos, err := e.Open(context.Background(), intent("s1", domain.SideShort))
	require.NoError(t, err)

	require.Len(t, p.reqs, 1)
	req := p.reqs[0]
	assert.Equal(t, domain.PurposeEntry, req.Purpose)
	assert.Equal(t, domain.OrderSideSell, req.Side)
	assert.Equal(t, pos.ID, req.PositionID)
	assert.InDelta(t, 10.0, req.Quantity, 1e-9)
	assert.InDelta(t, 1000.0, pos.Notional, 1e-9)
	assert.Equal(t, req.ID, pos.PendingOrderID)
}

func TestScenarioTakeProfit(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	pos := openActive(t, e, p, "s1", domain.SideLong)

	assert.Empty(t, e.OnBar(ctx, bar(5, 100, 101, 101)))
	assert.Equal(t, domain.StateActive, e.Positions()[0].State)

	assert.Empty(t, e.OnBar(ctx, bar(10, 101, 102, 102)))
	got := e.Positions()[0]
	assert.Equal(t, domain.StateClosingTakeProfit, got.State)
	assert.Equal(t, domain.BarrierTakeProfit, got.ExitReason)

	exit := p.last()
	assert.Equal(t, domain.PurposeExit, exit.Purpose)
	assert.Equal(t, domain.OrderSideSell, exit.Side)

	out, err := e.OnReport(ctx, fill(exit, 102, t0.Add(11*time.Second)))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, pos.ID, out.PositionID)
	assert.Equal(t, domain.BarrierTakeProfit, out.Barrier)
	assert.InDelta(t, 0.02, out.ReturnPct, 1e-12)
	assert.Empty(t, e.Positions())
}

func TestScenarioStopLossWinsTie(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	openActive(t, e, p, "s1", domain.SideLong)

	assert.Empty(t, e.OnBar(ctx, bar(10, 97, 102, 99)))
	got := e.Positions()[0]
	assert.Equal(t, domain.StateClosingStopLoss, got.State)
	assert.Equal(t, domain.BarrierStopLoss, got.ExitReason)
}

func TestShortBarriers(t *testing.T) {
	active := domain.Position{
		Side:       domain.SideShort,
		EntryPrice: 100,
		EntryTime:  t0,
		State:      domain.StateActive,
		Barriers:   domain.BarrierConfig{TakeProfitPct: 0.02, StopLossPct: 0.03, TimeLimit: time.Minute},
	}
	tests := []struct {
		name string
		bar  domain.Bar
		want domain.Barrier
	}{
		{"quiet", bar(5, 99.5, 100.5, 100), domain.BarrierNone},
		{"rally stops out", bar(5, 100, 103, 102), domain.BarrierStopLoss},
		{"drop takes profit", bar(5, 98, 100, 98.5), domain.BarrierTakeProfit},
		{"both extremes", bar(5, 97, 103, 100), domain.BarrierStopLoss},
		{"time limit", bar(60, 99.5, 100.5, 100), domain.BarrierTimeLimit},
		{"profit before time", bar(60, 98, 100, 98), domain.BarrierTakeProfit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(active, tt.bar))
		})
	}
}

func TestEvaluateOnlyActive(t *testing.T) {
	pos := domain.Position{
		Side:       domain.SideLong,
		EntryPrice: 100,
		EntryTime:  t0,
		Barriers:   domain.BarrierConfig{TakeProfitPct: 0.02, StopLossPct: 0.03, TimeLimit: time.Minute},
	}
	crash := bar(120, 50, 150, 60)
	for _, s := range []domain.PositionState{
		domain.StatePendingEntry,
		domain.StateClosingStopLoss,
		domain.StateClosed,
	} {
		pos.State = s
		assert.Equal(t, domain.BarrierNone, Evaluate(pos, crash), "state %s", s)
	}
}

func TestTimeLimitCloses(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	openActive(t, e, p, "s1", domain.SideLong)

	assert.Empty(t, e.OnBar(ctx, bar(59, 99.9, 100.1, 100)))
	assert.Equal(t, domain.StateActive, e.Positions()[0].State)

	assert.Empty(t, e.OnBar(ctx, bar(60, 99.9, 100.4, 100.2)))
	assert.Equal(t, domain.StateClosingTimeLimit, e.Positions()[0].State)

	out, err := e.OnReport(ctx, fill(p.last(), 100.2, t0.Add(61*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, domain.BarrierTimeLimit, out.Barrier)
	assert.InDelta(t, 0.002, out.ReturnPct, 1e-12)
}

func TestClosedPositionIsNoOp(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	openActive(t, e, p, "s1", domain.SideLong)
	require.Empty(t, e.OnBar(ctx, bar(10, 101, 102, 102)))
	exit := p.last()
	_, err := e.OnReport(ctx, fill(exit, 102, t0.Add(11*time.Second)))
	require.NoError(t, err)

	submitted := len(p.reqs)
	assert.Empty(t, e.OnBar(ctx, bar(20, 90, 110, 95)))
	assert.Len(t, p.reqs, submitted)

	out, err := e.OnReport(ctx, fill(exit, 102, t0.Add(12*time.Second)))
	assert.Nil(t, out)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEntryGuards(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())

	_, err := e.Open(ctx, intent("s1", domain.SideLong))
	require.NoError(t, err)
	_, err = e.Open(ctx, intent("s2", domain.SideLong))
	assert.ErrorIs(t, err, domain.ErrEntryInFlight)

	_, err = e.OnReport(ctx, fill(p.last(), 100, t0))
	require.NoError(t, err)
	_, err = e.Open(ctx, intent("s1", domain.SideShort))
	assert.ErrorIs(t, err, domain.ErrPositionExists)

	_, err = e.Open(ctx, intent("s2", domain.SideLong))
	assert.NoError(t, err)
}

func TestOpenRejectsBadIntent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestExecutor(t, DefaultConfig())

	flat := intent("s1", domain.SideFlat)
	_, err := e.Open(ctx, flat)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	noPrice := intent("s1", domain.SideLong)
	noPrice.ReferencePrice = 0
	_, err = e.Open(ctx, noPrice)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Empty(t, e.Positions())
}

func TestEntryRejectRevertsToNoPosition(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	_, err := e.Open(ctx, intent("s1", domain.SideLong))
	require.NoError(t, err)

	out, err := e.OnReport(ctx, reject(p.last()))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, e.Positions())

	_, err = e.Open(ctx, intent("s1", domain.SideLong))
	assert.NoError(t, err)
}

func TestEntrySubmitErrorReverts(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	p.fail = errors.New("connection refused")

	_, err := e.Open(ctx, intent("s1", domain.SideLong))
	require.Error(t, err)
	assert.Empty(t, e.Positions())

	p.fail = nil
	_, err = e.Open(ctx, intent("s1", domain.SideLong))
	assert.NoError(t, err)
}

func cancelled(target domain.OrderRequest) domain.ExecutionReport {
	r := fill(target, 0, t0)
	r.Kind = domain.ReportCancelled
	return r
}

func TestEntryTimeoutRequestsCancel(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, Config{MaxExitRetries: 3, EntryTimeout: 10 * time.Second})
	_, err := e.Open(ctx, intent("s1", domain.SideLong))
	require.NoError(t, err)
	entry := p.last()

	assert.Empty(t, e.OnBar(ctx, bar(5, 99, 101, 100)))
	assert.Len(t, p.reqs, 1)

	assert.Empty(t, e.OnBar(ctx, bar(11, 99, 101, 100)))
	require.Len(t, p.reqs, 2)
	cancel := p.last()
	assert.Equal(t, domain.PurposeCancel, cancel.Purpose)
	assert.Equal(t, entry.ID, cancel.CancelOrderID)
	require.Len(t, e.Positions(), 1)
	assert.Equal(t, domain.StatePendingEntry, e.Positions()[0].State)
	assert.Equal(t, 1, e.InFlight())

	// No second request until another timeout elapses.
	assert.Empty(t, e.OnBar(ctx, bar(15, 99, 101, 100)))
	assert.Len(t, p.reqs, 2)
	assert.Empty(t, e.OnBar(ctx, bar(22, 99, 101, 100)))
	assert.Len(t, p.reqs, 3)

	out, err := e.OnReport(ctx, cancelled(entry))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, e.Positions())
	assert.Zero(t, e.InFlight())
}

func TestLateFillAfterCancelRequestActivates(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, Config{MaxExitRetries: 3, EntryTimeout: 10 * time.Second})
	_, err := e.Open(ctx, intent("s1", domain.SideLong))
	require.NoError(t, err)
	entry := p.last()
	require.Empty(t, e.OnBar(ctx, bar(60, 99, 101, 100)))

	_, err = e.OnReport(ctx, fill(entry, 100.5, t0.Add(61*time.Second)))
	require.NoError(t, err)
	ps := e.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, domain.StateActive, ps[0].State)
	assert.InDelta(t, 100.5, ps[0].EntryPrice, 1e-12)

	// The venue's answer to the cancel arrives after the fill.
	_, err = e.OnReport(ctx, cancelled(entry))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.StateActive, e.Positions()[0].State)
}

func TestFillForForgottenEntryIsAdopted(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	_, err := e.Open(ctx, intent("s1", domain.SideLong))
	require.NoError(t, err)
	entry := p.last()
	_, err = e.OnReport(ctx, reject(entry))
	require.NoError(t, err)
	require.Empty(t, e.Positions())

	out, err := e.OnReport(ctx, fill(entry, 101, t0.Add(5*time.Second)))
	require.NoError(t, err)
	assert.Nil(t, out)
	ps := e.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, domain.StateClosingTimeLimit, ps[0].State)
	assert.InDelta(t, 101.0, ps[0].EntryPrice, 1e-12)

	assert.Empty(t, e.OnBar(ctx, bar(6, 100, 101, 100.5)))
	exit := p.last()
	assert.Equal(t, domain.PurposeExit, exit.Purpose)
	assert.Equal(t, domain.OrderSideSell, exit.Side)
	got, err := e.OnReport(ctx, fill(exit, 100.5, t0.Add(7*time.Second)))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.StrategyID)
	assert.Empty(t, e.Positions())

	// A repeated fill is not adopted twice.
	_, err = e.OnReport(ctx, fill(entry, 101, t0.Add(8*time.Second)))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHaltBlocksEntriesUntilResume(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	openActive(t, e, p, "s1", domain.SideLong)

	e.Halt(ctx, "drawdown")
	e.Halt(ctx, "second")
	halted, reason := e.Halted()
	assert.True(t, halted)
	assert.Equal(t, "drawdown", reason)
	_, err := e.Open(ctx, intent("s2", domain.SideLong))
	assert.ErrorIs(t, err, domain.ErrInstrumentHalted)

	// Open positions are still managed.
	assert.Empty(t, e.OnBar(ctx, bar(10, 101, 102, 102)))
	assert.Equal(t, domain.StateClosingTakeProfit, e.Positions()[0].State)

	e.Resume(ctx)
	_, err = e.Open(ctx, intent("s2", domain.SideLong))
	assert.NoError(t, err)
}

func TestExitRetriesThenHalts(t *testing.T) {
	ctx := context.Background()
	e, p, a := newTestExecutor(t, Config{MaxExitRetries: 3})
	openActive(t, e, p, "s1", domain.SideLong)

	require.Empty(t, e.OnBar(ctx, bar(10, 101, 102, 102)))
	for i := 1; i <= 3; i++ {
		_, err := e.OnReport(ctx, reject(p.last()))
		require.NoError(t, err)
		got := e.Positions()[0]
		assert.Equal(t, domain.StateClosingTakeProfit, got.State)
		assert.Equal(t, i, got.ExitAttempts)
		if i < 3 {
			halted, _ := e.Halted()
			assert.False(t, halted)
			require.Empty(t, e.OnBar(ctx, bar(10+i, 101, 102, 102)))
		}
	}

	halted, reason := e.Halted()
	assert.True(t, halted)
	assert.Contains(t, reason, "3 attempts")
	assert.Equal(t, []string{"fatal"}, a.events)

	_, err := e.Open(ctx, intent("s2", domain.SideLong))
	assert.ErrorIs(t, err, domain.ErrInstrumentHalted)

	// Retries continue while halted without re-alerting.
	require.Empty(t, e.OnBar(ctx, bar(20, 101, 102, 102)))
	assert.Equal(t, 4, e.Positions()[0].ExitAttempts)
	_, err = e.OnReport(ctx, reject(p.last()))
	require.NoError(t, err)
	assert.Len(t, a.events, 1)

	e.Resume(ctx)
	halted, _ = e.Halted()
	assert.False(t, halted)

	require.Empty(t, e.OnBar(ctx, bar(21, 101, 102, 102)))
	out, err := e.OnReport(ctx, fill(p.last(), 101.5, t0.Add(22*time.Second)))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, domain.BarrierTakeProfit, out.Barrier)
}

func TestExitSubmitErrorRetriesNextBar(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	openActive(t, e, p, "s1", domain.SideLong)

	p.fail = errors.New("timeout")
	errs := e.OnBar(ctx, bar(10, 96, 100, 96.5))
	require.Len(t, errs, 1)
	got := e.Positions()[0]
	assert.Equal(t, domain.StateClosingStopLoss, got.State)
	assert.Empty(t, got.PendingOrderID)

	p.fail = nil
	before := len(p.reqs)
	assert.Empty(t, e.OnBar(ctx, bar(11, 96, 97, 96.5)))
	assert.Len(t, p.reqs, before+1)
	assert.Equal(t, domain.StateClosingStopLoss, e.Positions()[0].State)

	// An exit in flight is not resubmitted.
	assert.Empty(t, e.OnBar(ctx, bar(12, 96, 97, 96.5)))
	assert.Len(t, p.reqs, before+1)
}

func TestStaleReportIgnored(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, Config{MaxExitRetries: 5})
	openActive(t, e, p, "s1", domain.SideLong)
	require.Empty(t, e.OnBar(ctx, bar(10, 101, 102, 102)))
	first := p.last()
	_, err := e.OnReport(ctx, reject(first))
	require.NoError(t, err)
	require.Empty(t, e.OnBar(ctx, bar(11, 101, 102, 102)))

	_, err = e.OnReport(ctx, fill(first, 102, t0))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.StateClosingTakeProfit, e.Positions()[0].State)
}

func TestTransitionObserver(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	var states []domain.PositionState
	e.OnTransition(func(_ context.Context, pos domain.Position) {
		states = append(states, pos.State)
	})
	openActive(t, e, p, "s1", domain.SideLong)
	require.Empty(t, e.OnBar(ctx, bar(10, 101, 102, 102)))
	_, err := e.OnReport(ctx, fill(p.last(), 102, t0.Add(11*time.Second)))
	require.NoError(t, err)

	assert.Equal(t, []domain.PositionState{
		domain.StatePendingEntry,
		domain.StateActive,
		domain.StateClosingTakeProfit,
		domain.StateClosed,
	}, states)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	e, p, _ := newTestExecutor(t, DefaultConfig())
	n := e.Restore(ctx, []domain.Position{
		{ID: "a", StrategyID: "s1", Side: domain.SideLong, EntryPrice: 100, EntryTime: t0, Quantity: 1, State: domain.StateActive,
			Barriers: domain.BarrierConfig{TakeProfitPct: 0.02, StopLossPct: 0.03}},
		{ID: "b", StrategyID: "s2", State: domain.StatePendingEntry},
		{ID: "c", StrategyID: "s3", Side: domain.SideShort, Quantity: 2, State: domain.StateClosingTimeLimit, PendingOrderID: "old"},
	})
	assert.Equal(t, 2, n)
	assert.Len(t, e.Positions(), 2)

	// The closing position's exit is resubmitted on the next bar.
	assert.Empty(t, e.OnBar(ctx, bar(1, 99.5, 100.5, 100)))
	require.Len(t, p.reqs, 1)
	assert.Equal(t, "c", p.reqs[0].PositionID)
	assert.Equal(t, domain.OrderSideBuy, p.reqs[0].Side)
}

func TestRestoredPendingEntryFillIsAdopted(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestExecutor(t, DefaultConfig())
	n := e.Restore(ctx, []domain.Position{
		{ID: "b", Instrument: "BTC-USD", StrategyID: "s2", Side: domain.SideShort, Quantity: 1, EntryPrice: 100,
			State: domain.StatePendingEntry, PendingOrderID: "entry-b"},
	})
	assert.Zero(t, n)
	assert.Empty(t, e.Positions())

	_, err := e.OnReport(ctx, domain.ExecutionReport{
		OrderID: "entry-b", PositionID: "b", Kind: domain.ReportFilled, Price: 99, Quantity: 1, Time: t0,
	})
	require.NoError(t, err)
	ps := e.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, "b", ps[0].ID)
	assert.Equal(t, domain.StateClosingTimeLimit, ps[0].State)
}
