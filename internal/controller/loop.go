// Package controller runs the per-instrument decision cycle. A Loop owns one
// instrument's regime detector, allocator, sizer, risk executor and evaluator
// and is driven by a single goroutine: bars and venue reports are handled in
// the order they are selected, never concurrently.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/allocbot/internal/allocator"
	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/executor"
	"github.com/alanyoungcy/allocbot/internal/metrics"
	"github.com/alanyoungcy/allocbot/internal/performance"
	"github.com/alanyoungcy/allocbot/internal/regime"
	"github.com/alanyoungcy/allocbot/internal/risk"
	"github.com/alanyoungcy/allocbot/internal/sizing"
	"github.com/alanyoungcy/allocbot/internal/strategy"
)

// maxPortfolioHistory bounds the return series fed to the Kelly estimate.
const maxPortfolioHistory = 10_000

// Notifier delivers operator alerts. It is implemented by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Member is one strategy running on the instrument.
type Member struct {
	ID            string
	Kind          string
	Provider      strategy.Strategy
	RequireRegime bool
	Barriers      domain.BarrierConfig
}

// Config holds the loop's own settings.
type Config struct {
	Instrument string
	// Equity is the starting account equity used to convert sizes to notionals.
	Equity float64
	// IntentTTL bounds how long an intent may wait in the queue, measured in
	// bar time.
	IntentTTL time.Duration
	// SnapshotInterval is the wall-clock period of snapshot publication in Run.
	SnapshotInterval time.Duration
	// LockTTL is the TTL of the instrument ownership lock. It is refreshed at
	// a third of its value.
	LockTTL time.Duration
	// SettleTimeout makes Run wait, before each bar and before returning, for
	// the reports of orders still in flight, up to this long. Replay sets it
	// so a run does not depend on how fast the venue answers. Zero only
	// applies the reports already queued.
	SettleTimeout time.Duration
}

// Validate checks the loop settings.
func (c Config) Validate() error {
	var errs []error
	if c.Instrument == "" {
		errs = append(errs, errors.New("instrument is required"))
	}
	if !(c.Equity > 0) {
		errs = append(errs, errors.New("equity must be > 0"))
	}
	if c.IntentTTL < 0 {
		errs = append(errs, errors.New("intent ttl must be >= 0"))
	}
	if c.LockTTL < 0 {
		errs = append(errs, errors.New("lock ttl must be >= 0"))
	}
	if c.SettleTimeout < 0 {
		errs = append(errs, errors.New("settle timeout must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("controller: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Stores groups the optional persistence backends. Nil fields are skipped.
type Stores struct {
	Strategies  domain.StrategyStore
	Outcomes    domain.OutcomeStore
	Positions   domain.PositionStore
	Allocations domain.AllocationStore
	Audit       domain.AuditStore
}

// Deps are the per-instrument components the loop drives. All are required.
type Deps struct {
	Detector  *regime.Detector
	Allocator *allocator.Allocator
	Sizer     *sizing.Sizer
	Risk      *risk.Executor
	Drawdown  *risk.Drawdown
	Evaluator *performance.Evaluator
	Queue     *executor.Executor
	Tracker   *strategy.PriceTracker
	Members   []Member
}

// Option configures optional Loop collaborators.
type Option func(*Loop)

// WithStores wires persistence.
func WithStores(s Stores) Option { return func(l *Loop) { l.stores = s } }

// WithSignalBus wires snapshot publication.
func WithSignalBus(bus domain.SignalBus) Option { return func(l *Loop) { l.bus = bus } }

// WithNotifier wires operator alerts.
func WithNotifier(n Notifier) Option { return func(l *Loop) { l.notifier = n } }

// WithLocks wires the cross-process ownership lock.
func WithLocks(m domain.LockManager) Option { return func(l *Loop) { l.locks = m } }

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Registry) Option { return func(l *Loop) { l.metrics = m } }

// Loop is the decision cycle of one instrument.
type Loop struct {
	cfg      Config
	deps     Deps
	stores   Stores
	bus      domain.SignalBus
	notifier Notifier
	locks    domain.LockManager
	metrics  *metrics.Registry
	logger   *slog.Logger

	regime    domain.RegimeState
	weights   domain.AllocationWeights
	realized  map[string]float64 // strategy -> exit returns since the last round
	marks     map[string]float64 // position -> price of the last round
	shadows   map[string]*domain.Position
	equity    float64
	portfolio []sizing.PortfolioReturn
	cycles    int64
	lastBar   time.Time

	snap     atomic.Pointer[domain.Snapshot]
	resumeCh chan struct{}
}

// New creates a Loop and registers its position persistence hook on the risk
// executor.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Detector == nil || deps.Allocator == nil || deps.Sizer == nil || deps.Risk == nil ||
		deps.Drawdown == nil || deps.Evaluator == nil || deps.Queue == nil || deps.Tracker == nil {
		return nil, errors.New("controller: missing component")
	}
	if len(deps.Members) == 0 {
		return nil, fmt.Errorf("controller: %s has no strategies", cfg.Instrument)
	}
	members := append([]Member(nil), deps.Members...)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	deps.Members = members

	l := &Loop{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(slog.String("component", "controller"), slog.String("instrument", cfg.Instrument)),
		realized: make(map[string]float64),
		marks:    make(map[string]float64),
		shadows:  make(map[string]*domain.Position),
		equity:   cfg.Equity,
		regime:   deps.Detector.State(),
		resumeCh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	deps.Risk.OnTransition(l.savePosition)
	l.refreshSnapshot(time.Time{})
	return l, nil
}

// Instrument returns the instrument the loop owns.
func (l *Loop) Instrument() string {
	return l.cfg.Instrument
}

// Snapshot returns the latest monitoring view. Safe for concurrent use.
func (l *Loop) Snapshot() domain.Snapshot {
	if s := l.snap.Load(); s != nil {
		return *s
	}
	return domain.Snapshot{Instrument: l.cfg.Instrument}
}

// Resume requests that a halted instrument accept entries again. The request
// is applied by the loop goroutine. Safe for concurrent use.
func (l *Loop) Resume() {
	select {
	case l.resumeCh <- struct{}{}:
	default:
	}
}

// Run acquires the instrument lock and processes bars and reports until ctx is
// cancelled, the bar stream closes, or an invariant is violated.
func (l *Loop) Run(ctx context.Context, bars <-chan domain.Bar, reports <-chan domain.ExecutionReport) error {
	if l.locks != nil && l.cfg.LockTTL > 0 {
		key := "instrument:" + l.cfg.Instrument
		lock, err := l.locks.Acquire(ctx, key, l.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("controller: acquire %s: %w", key, err)
		}
		defer lock.Release()
		t := time.NewTicker(l.cfg.LockTTL / 3)
		defer t.Stop()
		return l.run(ctx, bars, reports, t.C, lock)
	}
	return l.run(ctx, bars, reports, nil, nil)
}

func (l *Loop) run(ctx context.Context, bars <-chan domain.Bar, reports <-chan domain.ExecutionReport, refresh <-chan time.Time, lock domain.Lock) error {
	var publish <-chan time.Time
	if l.cfg.SnapshotInterval > 0 {
		t := time.NewTicker(l.cfg.SnapshotInterval)
		defer t.Stop()
		publish = t.C
	}

	l.logger.InfoContext(ctx, "instrument loop started", slog.Int("strategies", len(l.deps.Members)))
	defer l.logger.InfoContext(ctx, "instrument loop stopped", slog.Int64("cycles", l.cycles))

	for {
		select {
		case <-ctx.Done():
			l.publish(context.WithoutCancel(ctx))
			return ctx.Err()

		case bar, ok := <-bars:
			if !ok {
				l.settle(ctx, reports)
				l.publish(ctx)
				return nil
			}
			if bar.Instrument != "" && bar.Instrument != l.cfg.Instrument {
				continue
			}
			reports = l.settle(ctx, reports)
			if err := l.Step(ctx, bar); err != nil {
				return err
			}

		case rep, ok := <-reports:
			if !ok {
				reports = nil
				continue
			}
			l.HandleReport(ctx, rep)

		case <-l.resumeCh:
			l.resume(ctx)

		case <-publish:
			l.publish(ctx)

		case <-refresh:
			if err := lock.Refresh(ctx, l.cfg.LockTTL); err != nil {
				return fmt.Errorf("controller: refresh instrument lock: %w", err)
			}
		}
	}
}

// settle applies the reports already queued on reports and, with a
// SettleTimeout, waits for the answers to orders still in flight. It returns
// reports, or nil once the channel is closed.
func (l *Loop) settle(ctx context.Context, reports <-chan domain.ExecutionReport) <-chan domain.ExecutionReport {
	var deadline <-chan time.Time
	for reports != nil {
		if l.cfg.SettleTimeout <= 0 || l.deps.Risk.InFlight() == 0 {
			select {
			case rep, ok := <-reports:
				if !ok {
					return nil
				}
				l.HandleReport(ctx, rep)
				continue
			default:
				return reports
			}
		}
		if deadline == nil {
			t := time.NewTimer(l.cfg.SettleTimeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case rep, ok := <-reports:
			if !ok {
				return nil
			}
			l.HandleReport(ctx, rep)
		case <-deadline:
			l.logger.WarnContext(ctx, "orders still unanswered",
				slog.Int("in_flight", l.deps.Risk.InFlight()),
				slog.Duration("waited", l.cfg.SettleTimeout),
			)
			return reports
		case <-ctx.Done():
			return reports
		}
	}
	return nil
}

// Step runs one decision cycle on bar. The only error it returns is an
// invariant violation.
func (l *Loop) Step(ctx context.Context, bar domain.Bar) error {
	start := time.Now()
	if bar.Instrument == "" {
		bar.Instrument = l.cfg.Instrument
	}

	st, err := l.deps.Detector.Update(bar)
	if err != nil {
		return l.fatal(ctx, err)
	}
	l.regime = st
	if bar.Valid() {
		if err := l.deps.Tracker.Track(ctx, bar); err != nil {
			l.logger.WarnContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
		l.lastBar = bar.Time
		equity := l.markToMarket(bar)
		if l.deps.Drawdown.Update(equity, bar.Time) {
			l.drawdownChanged(ctx)
		}
		l.shadowBar(ctx, bar)
	}

	if errs := l.deps.Risk.OnBar(ctx, bar); len(errs) > 0 {
		l.metrics.AddExitFailures(l.cfg.Instrument, len(errs))
		for _, e := range errs {
			l.logger.WarnContext(ctx, "exit submission failed", slog.String("error", e.Error()))
		}
	}

	weights, err := l.deps.Allocator.Allocate(st)
	if err != nil {
		return l.fatal(ctx, err)
	}
	l.weights = weights

	if bar.Valid() {
		l.propose(ctx, bar)
		res := l.deps.Queue.Drain(ctx, bar.Time)
		l.metrics.RecordDrain(l.cfg.Instrument, len(res.Opened), res.Skipped)
	}

	l.cycles++
	l.observe(start)
	l.refreshSnapshot(bar.Time)
	return nil
}

// propose computes signals and sizes for every funded strategy without an
// open position, in parallel, and enqueues the resulting intents. Demoted
// strategies without a shadow position are sized at an equal share of the
// budget and open one instead.
func (l *Loop) propose(ctx context.Context, bar domain.Bar) {
	holding := make(map[string]bool)
	for _, p := range l.deps.Risk.Positions() {
		holding[p.StrategyID] = true
	}
	halted, _ := l.deps.Risk.Halted()

	window := l.deps.Tracker.Window(l.cfg.Instrument)
	kelly := l.deps.Sizer.PortfolioKelly(l.portfolio)
	derate := 1 - l.deps.Drawdown.Multiplier()
	virtual := l.weights.Budget / float64(len(l.deps.Members))
	expires := time.Time{}
	if l.cfg.IntentTTL > 0 {
		expires = bar.Time.Add(l.cfg.IntentTTL)
	}

	var (
		mu     sync.Mutex
		opened []*domain.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range l.deps.Members {
		shadow := l.deps.Allocator.Demoted(m.ID)
		w := l.weights.Weight(m.ID)
		switch {
		case shadow:
			if _, ok := l.shadows[m.ID]; ok {
				continue
			}
			w = virtual
		case halted || w <= 0 || holding[m.ID]:
			continue
		}
		g.Go(func() error {
			sig, err := m.Provider.Signal(gctx, window)
			if err != nil {
				l.metrics.RecordSignalError(l.cfg.Instrument, m.ID)
				l.logger.WarnContext(gctx, "signal failed",
					slog.String("strategy", m.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			in := sizing.Input{
				Signal:        sig,
				Weight:        w,
				Regime:        l.regime,
				RequireRegime: m.RequireRegime,
				KellyScale:    kelly.Scale,
			}
			if !shadow {
				in.Derate = derate
			}
			dec := l.deps.Sizer.Size(in)
			if dec.Flat() {
				l.logger.DebugContext(gctx, "flat",
					slog.String("strategy", m.ID),
					slog.String("reason", string(dec.Reason)),
				)
				return nil
			}
			if shadow {
				mu.Lock()
				opened = append(opened, &domain.Position{
					ID:         "shadow-" + uuid.NewString(),
					Instrument: l.cfg.Instrument,
					StrategyID: m.ID,
					Side:       dec.Side,
					Size:       dec.Size,
					EntryPrice: bar.Close,
					EntryTime:  bar.Time,
					State:      domain.StateActive,
					Barriers:   m.Barriers,
					CreatedAt:  bar.Time,
					UpdatedAt:  bar.Time,
				})
				mu.Unlock()
				return nil
			}
			intent := domain.TradeIntent{
				ID:             fmt.Sprintf("%s:%s:%d", l.cfg.Instrument, m.ID, bar.Time.UnixNano()),
				Instrument:     l.cfg.Instrument,
				StrategyID:     m.ID,
				Side:           dec.Side,
				Size:           dec.Size,
				Signal:         sig,
				Weight:         w,
				ReferencePrice: bar.Close,
				Equity:         l.equity,
				Barriers:       m.Barriers,
				CreatedAt:      bar.Time,
				ExpiresAt:      expires,
			}
			if err := l.deps.Queue.Enqueue(intent); err != nil {
				l.logger.WarnContext(gctx, "intent dropped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, p := range opened {
		l.shadows[p.StrategyID] = p
	}
}

// HandleReport applies a venue report and, when it closes a position, feeds
// the outcome to the evaluator and the next cycle's allocator update.
func (l *Loop) HandleReport(ctx context.Context, rep domain.ExecutionReport) {
	out, err := l.deps.Risk.OnReport(ctx, rep)
	if err != nil {
		level := slog.LevelWarn
		switch {
		case errors.Is(err, domain.ErrNotFound) && rep.Kind == domain.ReportFilled:
			// A fill nobody owns is exposure at the venue.
			level = slog.LevelError
		case errors.Is(err, domain.ErrNotFound):
			level = slog.LevelDebug
		}
		l.logger.Log(ctx, level, "report not applied",
			slog.String("order_id", rep.OrderID),
			slog.String("kind", string(rep.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	if out != nil {
		l.onOutcome(ctx, *out)
	}
	l.refreshSnapshot(rep.Time)
}

func (l *Loop) onOutcome(ctx context.Context, o domain.TradeOutcome) {
	dec, err := l.deps.Evaluator.Record(o)
	if err != nil {
		l.logger.WarnContext(ctx, "outcome not evaluated", slog.String("error", err.Error()))
		return
	}
	r := o.ReturnPct
	if mark, ok := l.marks[o.PositionID]; ok && o.ExitPrice > 0 {
		r = movePct(o.Side, mark, o.ExitPrice)
		delete(l.marks, o.PositionID)
	}
	l.realized[o.StrategyID] += r

	contribution := o.Size * o.ReturnPct
	l.equity *= 1 + contribution
	l.portfolio = append(l.portfolio, sizing.PortfolioReturn{Time: o.ExitTime, Return: contribution})
	if n := len(l.portfolio); n > maxPortfolioHistory {
		l.portfolio = append(l.portfolio[:0], l.portfolio[n-maxPortfolioHistory:]...)
	}

	l.logger.InfoContext(ctx, "position closed",
		slog.String("strategy", o.StrategyID),
		slog.String("barrier", string(o.Barrier)),
		slog.Float64("return_pct", o.ReturnPct),
		slog.Float64("equity", l.equity),
	)
	l.metrics.RecordOutcome(l.cfg.Instrument, o.StrategyID, string(o.Barrier))
	l.recordOutcome(ctx, o)

	if dec.Changed {
		l.applyDemotion(ctx, dec)
	}
}

func (l *Loop) applyDemotion(ctx context.Context, dec performance.Decision) {
	if err := l.deps.Allocator.SetDemoted(dec.StrategyID, dec.Demoted); err != nil {
		l.logger.WarnContext(ctx, "allocator demotion failed", slog.String("error", err.Error()))
		return
	}
	event, verb := "readmission", "re-admitted"
	if dec.Demoted {
		event, verb = "demotion", "demoted"
	}
	msg := fmt.Sprintf("%s on %s %s after %d trades (DSR %s, MinTRL %s)",
		dec.StrategyID, l.cfg.Instrument, verb, dec.Evaluation.Trades,
		formatMetric(dec.Evaluation.DSR), formatMetric(dec.Evaluation.MinTRL))
	l.logger.WarnContext(ctx, "strategy "+verb,
		slog.String("strategy", dec.StrategyID),
		slog.Int("trades", dec.Evaluation.Trades),
	)
	l.recordDemotion(ctx, event, dec)
	l.alert(ctx, event, fmt.Sprintf("Strategy %s", verb), msg)
}

func (l *Loop) resume(ctx context.Context) {
	halted, reason := l.deps.Risk.Halted()
	if !halted {
		return
	}
	l.deps.Risk.Resume(ctx)
	l.deps.Drawdown.Reset()
	l.audit(ctx, "instrument_resumed", map[string]any{
		"instrument":  l.cfg.Instrument,
		"halt_reason": reason,
	})
	l.alert(ctx, "halt", fmt.Sprintf("%s resumed", l.cfg.Instrument), "entries re-enabled after: "+reason)
	l.refreshSnapshot(l.lastBar)
}

// fatal logs and alerts an invariant violation and returns it wrapped.
func (l *Loop) fatal(ctx context.Context, err error) error {
	l.logger.ErrorContext(ctx, "invariant violated", slog.String("error", err.Error()))
	l.alert(ctx, "fatal", fmt.Sprintf("FATAL: %s invariant violated", l.cfg.Instrument), err.Error())
	return fmt.Errorf("controller: %s: %w", l.cfg.Instrument, err)
}

func (l *Loop) observe(start time.Time) {
	if l.metrics == nil {
		return
	}
	inst := l.cfg.Instrument
	l.metrics.ObserveCycle(inst, time.Since(start))
	l.metrics.SetWeights(inst, l.weights.Weights)
	l.metrics.SetRegime(inst, l.regime.Regimes, l.regime.Probabilities, l.regime.Stale)
	l.metrics.SetOpenPositions(inst, len(l.deps.Risk.Positions()))
	halted, _ := l.deps.Risk.Halted()
	l.metrics.SetHalted(inst, halted)
	l.metrics.SetEquity(inst, l.equity)
	for _, rec := range l.deps.Evaluator.Records() {
		l.metrics.SetStrategy(inst, rec.StrategyID, rec.Evaluation.DSR.Value, rec.Evaluation.DSR.Defined, rec.Demoted)
	}
}

func (l *Loop) refreshSnapshot(at time.Time) {
	halted, _ := l.deps.Risk.Halted()
	dd := l.deps.Drawdown.Status()
	s := domain.Snapshot{
		Instrument:    l.cfg.Instrument,
		Regime:        l.regime,
		Allocation:    l.weights,
		Positions:     l.deps.Risk.Positions(),
		Performance:   l.deps.Evaluator.Records(),
		Halted:        halted,
		Equity:        l.equity,
		DrawdownLevel: string(dd.Level),
		Drawdown:      dd.Drawdown,
		Cycles:        l.cycles,
		Timestamp:     at,
	}
	l.snap.Store(&s)
}

func (l *Loop) alert(ctx context.Context, event, title, msg string) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(ctx, event, title, msg); err != nil {
		l.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func formatMetric(m domain.Metric) string {
	if !m.Defined {
		return "undefined"
	}
	return fmt.Sprintf("%.3f", m.Value)
}
