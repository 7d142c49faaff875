package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/risk"
)

// markToMarket observes one allocator round covering every eligible
// strategy: the bar's return on each open position, the exits realized since
// the previous round, and 0 for a strategy that is flat. It returns the
// equity with open positions marked at the bar close.
func (l *Loop) markToMarket(bar domain.Bar) float64 {
	round := make(map[string]float64, len(l.deps.Members))
	for _, m := range l.deps.Members {
		if !l.deps.Allocator.Demoted(m.ID) {
			round[m.ID] = 0
		}
	}
	for id, r := range l.realized {
		if _, ok := round[id]; ok {
			round[id] += r
		}
	}
	clear(l.realized)

	open := 0.0
	seen := make(map[string]bool)
	for _, p := range l.deps.Risk.Positions() {
		if p.EntryPrice <= 0 || !(p.State == domain.StateActive || p.State.Closing()) {
			continue
		}
		seen[p.ID] = true
		from := p.EntryPrice
		if mark, ok := l.marks[p.ID]; ok {
			from = mark
		}
		if _, ok := round[p.StrategyID]; ok {
			round[p.StrategyID] += movePct(p.Side, from, bar.Close)
		}
		l.marks[p.ID] = bar.Close
		open += p.Size * p.PnLPct(bar.Close)
	}
	for id := range l.marks {
		if !seen[id] {
			delete(l.marks, id)
		}
	}

	l.deps.Allocator.Observe(round, l.regime)
	return l.equity * (1 + open)
}

// movePct is the return of holding side from price from to price to.
func movePct(side domain.Side, from, to float64) float64 {
	return domain.Position{Side: side, EntryPrice: from}.PnLPct(to)
}

// drawdownChanged reacts to a new breaker level or daily limit. Reaching the
// halt level halts entries until an operator resumes the instrument.
func (l *Loop) drawdownChanged(ctx context.Context) {
	st := l.deps.Drawdown.Status()
	l.logger.WarnContext(ctx, "drawdown breaker changed",
		slog.String("level", string(st.Level)),
		slog.Float64("drawdown", st.Drawdown),
		slog.Float64("daily_loss", st.DailyLoss),
		slog.Bool("daily_limit", st.DailyLimit),
		slog.Float64("multiplier", st.Multiplier),
	)
	l.audit(ctx, "drawdown", map[string]any{
		"instrument":  l.cfg.Instrument,
		"level":       string(st.Level),
		"drawdown":    st.Drawdown,
		"peak":        st.Peak,
		"equity":      st.Equity,
		"daily_loss":  st.DailyLoss,
		"daily_limit": st.DailyLimit,
	})
	switch {
	case st.Level == risk.DrawdownHalted:
		reason := fmt.Sprintf("drawdown %.1f%% from peak equity %.2f", st.Drawdown*100, st.Peak)
		if halted, _ := l.deps.Risk.Halted(); !halted {
			l.deps.Risk.Halt(ctx, reason)
			l.alert(ctx, "halt", fmt.Sprintf("%s halted", l.cfg.Instrument), reason)
		}
	case st.DailyLimit:
		l.alert(ctx, "halt", fmt.Sprintf("%s daily loss limit", l.cfg.Instrument),
			fmt.Sprintf("down %.1f%% today; entries blocked until the next UTC day", st.DailyLoss*100))
	}
}

// shadowBar applies the barriers to the virtual positions of demoted
// strategies. A closed shadow trade only feeds the evaluator, so a strategy
// whose signals recover can be re-admitted.
func (l *Loop) shadowBar(ctx context.Context, bar domain.Bar) {
	for _, m := range l.deps.Members {
		pos, ok := l.shadows[m.ID]
		if !ok {
			continue
		}
		if !l.deps.Allocator.Demoted(m.ID) {
			delete(l.shadows, m.ID)
			continue
		}
		barrier := risk.Evaluate(*pos, bar)
		if barrier == domain.BarrierNone {
			continue
		}
		delete(l.shadows, m.ID)
		l.onShadowOutcome(ctx, domain.TradeOutcome{
			PositionID: pos.ID,
			Instrument: pos.Instrument,
			StrategyID: pos.StrategyID,
			Side:       pos.Side,
			Size:       pos.Size,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  bar.Close,
			EntryTime:  pos.EntryTime,
			ExitTime:   bar.Time,
			Barrier:    barrier,
			ReturnPct:  pos.PnLPct(bar.Close),
			Shadow:     true,
		})
	}
}

func (l *Loop) onShadowOutcome(ctx context.Context, o domain.TradeOutcome) {
	dec, err := l.deps.Evaluator.Record(o)
	if err != nil {
		l.logger.WarnContext(ctx, "shadow outcome not evaluated", slog.String("error", err.Error()))
		return
	}
	l.logger.DebugContext(ctx, "shadow trade closed",
		slog.String("strategy", o.StrategyID),
		slog.String("barrier", string(o.Barrier)),
		slog.Float64("return_pct", o.ReturnPct),
	)
	if s := l.stores.Outcomes; s != nil {
		if err := s.Insert(ctx, o); err != nil {
			l.logger.WarnContext(ctx, "outcome insert failed",
				slog.String("position_id", o.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if dec.Changed {
		l.applyDemotion(ctx, dec)
	}
}
