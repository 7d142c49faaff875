// Package risk manages the lifecycle of every position on one instrument
// through the triple-barrier state machine:
//
//	PENDING_ENTRY -> ACTIVE -> CLOSING_{TAKE_PROFIT|STOP_LOSS|TIME_LIMIT} -> CLOSED
//
// An Executor is owned by a single controller goroutine and is not safe for
// concurrent use.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// OrderPlacer submits orders to a venue. Fills and rejects come back
// asynchronously as execution reports.
type OrderPlacer interface {
	Submit(ctx context.Context, req domain.OrderRequest) error
}

// Alerter raises operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the executor's tunables.
type Config struct {
	// MaxExitRetries is the number of exit attempts after which the
	// instrument is halted and a fatal alert is raised.
	MaxExitRetries int
	// EntryTimeout requests cancellation of a PENDING_ENTRY order with no
	// report after this long, and again every EntryTimeout until the venue
	// answers. Zero waits forever.
	EntryTimeout time.Duration
}

// maxAbandoned bounds the forgotten entry orders kept for late fills.
const maxAbandoned = 128

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{MaxExitRetries: 5, EntryTimeout: 30 * time.Second}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxExitRetries < 1 {
		return fmt.Errorf("risk: max_exit_retries must be >= 1, got %d", c.MaxExitRetries)
	}
	if c.EntryTimeout < 0 {
		return fmt.Errorf("risk: entry_timeout must be >= 0, got %s", c.EntryTimeout)
	}
	return nil
}

// Executor runs the triple-barrier state machine for one instrument.
type Executor struct {
	cfg        Config
	instrument string
	placer     OrderPlacer
	alerter    Alerter
	logger     *slog.Logger
	observer   func(context.Context, domain.Position)

	positions    map[string]*domain.Position // open positions by id
	byStrategy   map[string]string           // strategy id -> position id
	orders       map[string]string           // in-flight order id -> position id
	pendingEntry string
	escalated    map[string]bool
	cancels      map[string]time.Time // position id -> last cancel request

	abandoned     map[string]domain.Position // forgotten entry order id -> position
	abandonedFIFO []string

	halted     bool
	haltReason string
}

// New creates an Executor for instrument. alerter may be nil.
func New(cfg Config, instrument string, placer OrderPlacer, alerter Alerter, logger *slog.Logger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if placer == nil {
		return nil, errors.New("risk: order placer is required")
	}
	return &Executor{
		cfg:        cfg,
		instrument: instrument,
		placer:     placer,
		alerter:    alerter,
		logger: logger.With(
			slog.String("component", "risk_executor"),
			slog.String("instrument", instrument),
		),
		positions:  make(map[string]*domain.Position),
		byStrategy: make(map[string]string),
		orders:     make(map[string]string),
		escalated:  make(map[string]bool),
		cancels:    make(map[string]time.Time),
		abandoned:  make(map[string]domain.Position),
	}, nil
}

// OnTransition registers fn to be called with a copy of a position after
// every state change, including the final CLOSED state.
func (e *Executor) OnTransition(fn func(context.Context, domain.Position)) {
	e.observer = fn
}

// Open creates a PENDING_ENTRY position from intent and submits its entry
// order.
func (e *Executor) Open(ctx context.Context, intent domain.TradeIntent) (*domain.Position, error) {
	if e.halted {
		return nil, fmt.Errorf("risk: open %s: %w", intent.StrategyID, domain.ErrInstrumentHalted)
	}
	if e.pendingEntry != "" {
		return nil, fmt.Errorf("risk: open %s: %w", intent.StrategyID, domain.ErrEntryInFlight)
	}
	if id, ok := e.byStrategy[intent.StrategyID]; ok {
		return nil, fmt.Errorf("risk: open %s (position %s): %w", intent.StrategyID, id, domain.ErrPositionExists)
	}
	if intent.Side != domain.SideLong && intent.Side != domain.SideShort {
		return nil, fmt.Errorf("risk: open %s: side %q: %w", intent.StrategyID, intent.Side, domain.ErrInvalidOrder)
	}
	notional := intent.Size * intent.Equity
	if !(intent.ReferencePrice > 0) || !(notional > 0) || math.IsInf(notional, 0) {
		return nil, fmt.Errorf("risk: open %s: size %.6f equity %.2f price %.6f: %w",
			intent.StrategyID, intent.Size, intent.Equity, intent.ReferencePrice, domain.ErrInvalidOrder)
	}

	now := intent.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	pos := &domain.Position{
		ID:         uuid.NewString(),
		Instrument: e.instrument,
		StrategyID: intent.StrategyID,
		Side:       intent.Side,
		Size:       intent.Size,
		Quantity:   notional / intent.ReferencePrice,
		Notional:   notional,
		EntryPrice: intent.ReferencePrice,
		Barriers:   intent.Barriers,
		State:      domain.StatePendingEntry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	req := domain.OrderRequest{
		ID:             uuid.NewString(),
		PositionID:     pos.ID,
		Instrument:     e.instrument,
		Side:           domain.EntrySide(pos.Side),
		Type:           domain.OrderTypeMarket,
		Quantity:       pos.Quantity,
		ReferencePrice: intent.ReferencePrice,
		Purpose:        domain.PurposeEntry,
		CreatedAt:      now,
	}
	pos.PendingOrderID = req.ID

	// Registered before submission: a synchronous venue may report at once.
	e.positions[pos.ID] = pos
	e.byStrategy[pos.StrategyID] = pos.ID
	e.orders[req.ID] = pos.ID
	e.pendingEntry = pos.ID

	if err := e.placer.Submit(ctx, req); err != nil {
		e.forget(pos)
		delete(e.orders, req.ID)
		e.abandon(*pos, req.ID)
		return nil, fmt.Errorf("risk: submit entry for %s: %w", pos.StrategyID, err)
	}

	e.logger.InfoContext(ctx, "entry submitted",
		slog.String("position_id", pos.ID),
		slog.String("strategy", pos.StrategyID),
		slog.String("side", string(pos.Side)),
		slog.Float64("size", pos.Size),
		slog.Float64("quantity", pos.Quantity),
	)
	e.notify(ctx, pos)
	out := *pos
	return &out, nil
}

// OnReport applies a venue execution report. It returns the realized outcome
// when the report closes a position. A fill for an entry that was already
// given up on is adopted as a position that exits on the next bar. Other
// reports for orders that are no longer in flight return domain.ErrNotFound
// and change nothing.
func (e *Executor) OnReport(ctx context.Context, rep domain.ExecutionReport) (*domain.TradeOutcome, error) {
	posID, ok := e.orders[rep.OrderID]
	if !ok {
		if lost, found := e.abandoned[rep.OrderID]; found && rep.Kind == domain.ReportFilled {
			e.adopt(ctx, lost, rep)
			return nil, nil
		}
		return nil, fmt.Errorf("risk: report for order %s: %w", rep.OrderID, domain.ErrNotFound)
	}
	pos, ok := e.positions[posID]
	if !ok {
		delete(e.orders, rep.OrderID)
		return nil, fmt.Errorf("risk: report %s for position %s: %w", rep.OrderID, posID, domain.ErrNotFound)
	}
	delete(e.orders, rep.OrderID)
	orderID := pos.PendingOrderID
	pos.PendingOrderID = ""
	at := rep.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch {
	case pos.State == domain.StatePendingEntry:
		return nil, e.entryReport(ctx, pos, rep, orderID, at)
	case pos.State.Closing():
		return e.exitReport(ctx, pos, rep, at)
	default:
		return nil, fmt.Errorf("risk: %s report in state %s: %w", rep.Kind, pos.State, domain.ErrInvalidTransition)
	}
}

func (e *Executor) entryReport(ctx context.Context, pos *domain.Position, rep domain.ExecutionReport, orderID string, at time.Time) error {
	switch rep.Kind {
	case domain.ReportFilled:
		if rep.Price > 0 {
			pos.EntryPrice = rep.Price
		}
		if rep.Quantity > 0 {
			pos.Quantity = rep.Quantity
		}
		pos.EntryTime = at
		pos.State = domain.StateActive
		pos.UpdatedAt = at
		e.pendingEntry = ""
		delete(e.cancels, pos.ID)
		e.logger.InfoContext(ctx, "position active",
			slog.String("position_id", pos.ID),
			slog.String("strategy", pos.StrategyID),
			slog.Float64("entry_price", pos.EntryPrice),
		)
		e.notify(ctx, pos)
		return nil
	case domain.ReportRejected, domain.ReportCancelled:
		e.logger.WarnContext(ctx, "entry not filled",
			slog.String("position_id", pos.ID),
			slog.String("strategy", pos.StrategyID),
			slog.String("kind", string(rep.Kind)),
			slog.String("message", rep.Message),
		)
		e.forget(pos)
		e.abandon(*pos, orderID)
		return nil
	}
	return fmt.Errorf("risk: unknown report kind %q: %w", rep.Kind, domain.ErrInvalidTransition)
}

// adopt turns a late fill of a forgotten entry into a position that is
// closed at the next bar. Nothing else manages that exposure.
func (e *Executor) adopt(ctx context.Context, lost domain.Position, rep domain.ExecutionReport) {
	e.dropAbandoned(rep.OrderID)
	at := rep.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	pos := lost
	if rep.Price > 0 {
		pos.EntryPrice = rep.Price
	}
	if rep.Quantity > 0 {
		pos.Quantity = rep.Quantity
	}
	pos.EntryTime = at
	pos.State = domain.StateClosingTimeLimit
	pos.ExitReason = domain.BarrierTimeLimit
	pos.PendingOrderID = ""
	pos.UpdatedAt = at
	e.positions[pos.ID] = &pos
	if _, taken := e.byStrategy[pos.StrategyID]; !taken {
		e.byStrategy[pos.StrategyID] = pos.ID
	}
	e.logger.ErrorContext(ctx, "fill for abandoned entry, position adopted for exit",
		slog.String("position_id", pos.ID),
		slog.String("order_id", rep.OrderID),
		slog.String("strategy", pos.StrategyID),
		slog.Float64("price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
	)
	e.notify(ctx, &pos)
}

func (e *Executor) abandon(pos domain.Position, orderID string) {
	if orderID == "" {
		return
	}
	if _, ok := e.abandoned[orderID]; !ok {
		e.abandonedFIFO = append(e.abandonedFIFO, orderID)
	}
	e.abandoned[orderID] = pos
	for len(e.abandonedFIFO) > maxAbandoned {
		delete(e.abandoned, e.abandonedFIFO[0])
		e.abandonedFIFO = e.abandonedFIFO[1:]
	}
}

func (e *Executor) dropAbandoned(orderID string) {
	delete(e.abandoned, orderID)
	for i, id := range e.abandonedFIFO {
		if id == orderID {
			e.abandonedFIFO = append(e.abandonedFIFO[:i], e.abandonedFIFO[i+1:]...)
			break
		}
	}
}

func (e *Executor) exitReport(ctx context.Context, pos *domain.Position, rep domain.ExecutionReport, at time.Time) (*domain.TradeOutcome, error) {
	switch rep.Kind {
	case domain.ReportFilled:
		price := rep.Price
		if !(price > 0) {
			return nil, fmt.Errorf("risk: exit fill for %s without price: %w", pos.ID, domain.ErrInvalidOrder)
		}
		pos.State = domain.StateClosed
		pos.ExitPrice = price
		pos.ExitTime = &at
		pos.UpdatedAt = at
		outcome := &domain.TradeOutcome{
			PositionID: pos.ID,
			Instrument: pos.Instrument,
			StrategyID: pos.StrategyID,
			Side:       pos.Side,
			Size:       pos.Size,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  price,
			EntryTime:  pos.EntryTime,
			ExitTime:   at,
			Barrier:    pos.ExitReason,
			ReturnPct:  pos.PnLPct(price),
		}
		e.logger.InfoContext(ctx, "position closed",
			slog.String("position_id", pos.ID),
			slog.String("strategy", pos.StrategyID),
			slog.String("barrier", string(pos.ExitReason)),
			slog.Float64("return_pct", outcome.ReturnPct),
			slog.Int("exit_attempts", pos.ExitAttempts),
		)
		e.notify(ctx, pos)
		e.forget(pos)
		return outcome, nil
	case domain.ReportRejected, domain.ReportCancelled:
		e.logger.WarnContext(ctx, "exit not filled",
			slog.String("position_id", pos.ID),
			slog.String("state", string(pos.State)),
			slog.String("kind", string(rep.Kind)),
			slog.Int("attempts", pos.ExitAttempts),
			slog.String("message", rep.Message),
		)
		pos.UpdatedAt = at
		e.escalate(ctx, pos)
		return nil, nil
	}
	return nil, fmt.Errorf("risk: unknown report kind %q: %w", rep.Kind, domain.ErrInvalidTransition)
}

// OnBar evaluates the barriers of every ACTIVE position against bar,
// resubmits exits of CLOSING positions that have no order in flight and
// requests cancellation of timed-out entries. Submit failures are returned;
// they never abandon a position.
func (e *Executor) OnBar(ctx context.Context, bar domain.Bar) []error {
	var errs []error
	for _, pos := range e.sorted() {
		switch {
		case pos.State == domain.StatePendingEntry:
			if err := e.expireEntry(ctx, pos, bar.Time); err != nil {
				errs = append(errs, err)
			}
		case pos.State == domain.StateActive:
			barrier := Evaluate(*pos, bar)
			if barrier == domain.BarrierNone {
				continue
			}
			pos.State = barrier.ClosingState()
			pos.ExitReason = barrier
			pos.UpdatedAt = bar.Time
			e.logger.InfoContext(ctx, "barrier hit",
				slog.String("position_id", pos.ID),
				slog.String("strategy", pos.StrategyID),
				slog.String("barrier", string(barrier)),
				slog.Float64("close", bar.Close),
			)
			if err := e.submitExit(ctx, pos, bar); err != nil {
				errs = append(errs, err)
			}
		case pos.State.Closing() && pos.PendingOrderID == "":
			if err := e.submitExit(ctx, pos, bar); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// Evaluate returns the barrier that position hits on bar, or BarrierNone.
// PnL is measured at the bar's adverse and favorable extremes; stop-loss
// takes precedence over take-profit, which takes precedence over the time
// limit. Non-ACTIVE positions never hit a barrier.
func Evaluate(pos domain.Position, bar domain.Bar) domain.Barrier {
	if pos.State != domain.StateActive {
		return domain.BarrierNone
	}
	low, high := bar.Range()
	worst, best := pos.PnLPct(low), pos.PnLPct(high)
	if pos.Side == domain.SideShort {
		worst, best = pos.PnLPct(high), pos.PnLPct(low)
	}
	b := pos.Barriers
	switch {
	case b.StopLossPct > 0 && worst <= -b.StopLossPct:
		return domain.BarrierStopLoss
	case b.TakeProfitPct > 0 && best >= b.TakeProfitPct:
		return domain.BarrierTakeProfit
	case b.TimeLimit > 0 && !bar.Time.Before(pos.EntryTime.Add(b.TimeLimit)):
		return domain.BarrierTimeLimit
	}
	return domain.BarrierNone
}

// expireEntry asks the venue to cancel an entry order that has gone
// unanswered for EntryTimeout. The position stays PENDING_ENTRY until the
// venue reports the order cancelled or filled.
func (e *Executor) expireEntry(ctx context.Context, pos *domain.Position, now time.Time) error {
	if e.cfg.EntryTimeout <= 0 || pos.PendingOrderID == "" {
		return nil
	}
	since := pos.CreatedAt
	if last, ok := e.cancels[pos.ID]; ok {
		since = last
	}
	if now.Sub(since) <= e.cfg.EntryTimeout {
		return nil
	}
	e.cancels[pos.ID] = now
	req := domain.OrderRequest{
		ID:            uuid.NewString(),
		PositionID:    pos.ID,
		Instrument:    e.instrument,
		Side:          domain.EntrySide(pos.Side),
		Type:          domain.OrderTypeMarket,
		Purpose:       domain.PurposeCancel,
		CancelOrderID: pos.PendingOrderID,
		CreatedAt:     now,
	}
	e.logger.WarnContext(ctx, "entry timed out, cancel requested",
		slog.String("position_id", pos.ID),
		slog.String("strategy", pos.StrategyID),
		slog.String("order_id", pos.PendingOrderID),
	)
	if err := e.placer.Submit(ctx, req); err != nil {
		return fmt.Errorf("risk: cancel entry for %s: %w", pos.StrategyID, err)
	}
	return nil
}

func (e *Executor) submitExit(ctx context.Context, pos *domain.Position, bar domain.Bar) error {
	req := domain.OrderRequest{
		ID:             uuid.NewString(),
		PositionID:     pos.ID,
		Instrument:     e.instrument,
		Side:           domain.ExitSide(pos.Side),
		Type:           domain.OrderTypeMarket,
		Quantity:       pos.Quantity,
		ReferencePrice: bar.Close,
		Purpose:        domain.PurposeExit,
		CreatedAt:      bar.Time,
	}
	pos.ExitAttempts++
	pos.PendingOrderID = req.ID
	e.orders[req.ID] = pos.ID

	if err := e.placer.Submit(ctx, req); err != nil {
		delete(e.orders, req.ID)
		pos.PendingOrderID = ""
		e.logger.WarnContext(ctx, "exit submit failed",
			slog.String("position_id", pos.ID),
			slog.Int("attempts", pos.ExitAttempts),
			slog.String("error", err.Error()),
		)
		e.notify(ctx, pos)
		e.escalate(ctx, pos)
		return fmt.Errorf("risk: submit exit for %s: %w", pos.ID, err)
	}
	e.notify(ctx, pos)
	return nil
}

// escalate halts the instrument once a position exhausts its exit attempts.
// Retries continue on every update.
func (e *Executor) escalate(ctx context.Context, pos *domain.Position) {
	if pos.ExitAttempts < e.cfg.MaxExitRetries || e.escalated[pos.ID] {
		return
	}
	e.escalated[pos.ID] = true
	reason := fmt.Sprintf("position %s (%s) failed to exit after %d attempts", pos.ID, pos.StrategyID, pos.ExitAttempts)
	e.halted = true
	e.haltReason = reason
	e.logger.ErrorContext(ctx, "exit retries exhausted, instrument halted",
		slog.String("position_id", pos.ID),
		slog.String("strategy", pos.StrategyID),
		slog.String("state", string(pos.State)),
		slog.Int("attempts", pos.ExitAttempts),
	)
	if e.alerter != nil {
		title := fmt.Sprintf("FATAL: %s halted", e.instrument)
		if err := e.alerter.Notify(ctx, "fatal", title, reason); err != nil {
			e.logger.WarnContext(ctx, "fatal alert failed", slog.String("error", err.Error()))
		}
	}
}

// Halt blocks new entries until Resume. Open positions keep being managed.
// A second halt keeps the first reason.
func (e *Executor) Halt(ctx context.Context, reason string) {
	if e.halted {
		return
	}
	e.halted = true
	e.haltReason = reason
	e.logger.WarnContext(ctx, "instrument halted", slog.String("reason", reason))
}

// InFlight returns the number of orders awaiting a venue report.
func (e *Executor) InFlight() int {
	return len(e.orders)
}

// Resume clears a halt. Positions still failing to exit will halt the
// instrument again once they exhaust another round of attempts.
func (e *Executor) Resume(ctx context.Context) {
	if !e.halted {
		return
	}
	e.logger.InfoContext(ctx, "instrument resumed", slog.String("reason", e.haltReason))
	e.halted = false
	e.haltReason = ""
	for id := range e.escalated {
		if pos, ok := e.positions[id]; ok {
			pos.ExitAttempts = 0
		}
		delete(e.escalated, id)
	}
}

// Halted reports whether new entries are blocked, and why.
func (e *Executor) Halted() (bool, string) {
	return e.halted, e.haltReason
}

// Positions returns copies of the open positions ordered by creation.
func (e *Executor) Positions() []domain.Position {
	ps := e.sorted()
	out := make([]domain.Position, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}

// Restore re-registers positions that were open when the process stopped.
// Pending entries are dropped, but a fill still reported for their order is
// adopted. In-flight exits are resubmitted on the next bar.
func (e *Executor) Restore(ctx context.Context, positions []domain.Position) int {
	n := 0
	for _, p := range positions {
		if p.State == domain.StatePendingEntry {
			e.abandon(p, p.PendingOrderID)
			continue
		}
		if p.State != domain.StateActive && !p.State.Closing() {
			continue
		}
		if _, dup := e.byStrategy[p.StrategyID]; dup {
			e.logger.WarnContext(ctx, "duplicate open position on restore",
				slog.String("position_id", p.ID),
				slog.String("strategy", p.StrategyID),
			)
			continue
		}
		pos := p
		pos.PendingOrderID = ""
		e.positions[pos.ID] = &pos
		e.byStrategy[pos.StrategyID] = pos.ID
		n++
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "positions restored", slog.Int("count", n))
	}
	return n
}

func (e *Executor) forget(pos *domain.Position) {
	delete(e.positions, pos.ID)
	if e.byStrategy[pos.StrategyID] == pos.ID {
		delete(e.byStrategy, pos.StrategyID)
	}
	if e.pendingEntry == pos.ID {
		e.pendingEntry = ""
	}
	delete(e.escalated, pos.ID)
	delete(e.cancels, pos.ID)
}

func (e *Executor) notify(ctx context.Context, pos *domain.Position) {
	if e.observer != nil {
		e.observer(ctx, *pos)
	}
}

func (e *Executor) sorted() []*domain.Position {
	out := make([]*domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
