package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/performance"
	"github.com/alanyoungcy/allocbot/internal/sizing"
)

// Warmup restores state from storage: the strategy registry, each strategy's
// return history (evaluator and allocator) and the open positions. It must be
// called before Run. Missing stores are skipped.
func (l *Loop) Warmup(ctx context.Context) error {
	demoted := make(map[string]bool)
	if s := l.stores.Strategies; s != nil {
		rows, err := s.List(ctx, l.cfg.Instrument)
		if err != nil {
			return fmt.Errorf("controller: warmup %s: %w", l.cfg.Instrument, err)
		}
		for _, r := range rows {
			demoted[r.StrategyID] = r.Demoted
		}
		for _, m := range l.deps.Members {
			if err := s.Upsert(ctx, domain.StrategyState{
				Instrument: l.cfg.Instrument,
				StrategyID: m.ID,
				Kind:       m.Kind,
				Demoted:    demoted[m.ID],
				UpdatedAt:  time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("controller: warmup %s: %w", l.cfg.Instrument, err)
			}
		}
	}

	var history []domain.TradeOutcome
	if s := l.stores.Outcomes; s != nil {
		for _, m := range l.deps.Members {
			outs, err := s.ListByStrategy(ctx, l.cfg.Instrument, m.ID)
			if err != nil {
				return fmt.Errorf("controller: warmup %s: %w", l.cfg.Instrument, err)
			}
			returns := make([]float64, len(outs))
			for i, o := range outs {
				returns[i] = o.ReturnPct
			}
			dec, err := l.deps.Evaluator.Load(m.ID, returns, demoted[m.ID])
			if err != nil {
				return fmt.Errorf("controller: warmup %s: %w", l.cfg.Instrument, err)
			}
			if err := l.deps.Allocator.SetDemoted(m.ID, dec.Demoted); err != nil {
				return fmt.Errorf("controller: warmup %s: %w", l.cfg.Instrument, err)
			}
			if dec.Changed && l.stores.Strategies != nil {
				if err := l.stores.Strategies.SetDemoted(ctx, l.cfg.Instrument, m.ID, dec.Demoted); err != nil {
					return fmt.Errorf("controller: warmup %s: %w", l.cfg.Instrument, err)
				}
			}
			history = append(history, outs...)
		}
	} else {
		for id, d := range demoted {
			if d {
				_ = l.deps.Allocator.SetDemoted(id, true)
			}
		}
	}

	// Replay closed trades into the allocator window one round per trade,
	// oldest first, without regime attribution. Shadow trades moved no
	// capital and only count toward the evaluator.
	sort.SliceStable(history, func(i, j int) bool { return history[i].ExitTime.Before(history[j].ExitTime) })
	for _, o := range history {
		if o.Shadow {
			continue
		}
		l.deps.Allocator.Observe(map[string]float64{o.StrategyID: o.ReturnPct}, domain.RegimeState{NotReady: true})
		contribution := o.Size * o.ReturnPct
		l.equity *= 1 + contribution
		l.portfolio = append(l.portfolio, sizing.PortfolioReturn{Time: o.ExitTime, Return: contribution})
	}
	if n := len(l.portfolio); n > maxPortfolioHistory {
		l.portfolio = append(l.portfolio[:0], l.portfolio[n-maxPortfolioHistory:]...)
	}

	restored := 0
	if s := l.stores.Positions; s != nil {
		open, err := s.ListOpen(ctx, l.cfg.Instrument)
		if err != nil {
			return fmt.Errorf("controller: warmup %s: %w", l.cfg.Instrument, err)
		}
		restored = l.deps.Risk.Restore(ctx, open)
	}

	l.logger.InfoContext(ctx, "warmup complete",
		slog.Int("outcomes", len(history)),
		slog.Int("positions_restored", restored),
		slog.Float64("equity", l.equity),
	)
	l.refreshSnapshot(time.Time{})
	return nil
}

// savePosition persists every position transition.
func (l *Loop) savePosition(ctx context.Context, pos domain.Position) {
	if l.stores.Positions == nil {
		return
	}
	if err := l.stores.Positions.Save(ctx, pos); err != nil {
		l.logger.WarnContext(ctx, "position save failed",
			slog.String("position_id", pos.ID),
			slog.String("state", string(pos.State)),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Loop) recordOutcome(ctx context.Context, o domain.TradeOutcome) {
	if s := l.stores.Outcomes; s != nil {
		if err := s.Insert(ctx, o); err != nil {
			l.logger.WarnContext(ctx, "outcome insert failed",
				slog.String("position_id", o.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	l.audit(ctx, "position_closed", map[string]any{
		"instrument":  o.Instrument,
		"strategy_id": o.StrategyID,
		"position_id": o.PositionID,
		"barrier":     string(o.Barrier),
		"return_pct":  o.ReturnPct,
	})
	l.alert(ctx, "position_closed",
		"Position closed",
		o.StrategyID+" on "+o.Instrument+" closed by "+string(o.Barrier)+" at "+formatMetric(domain.NewMetric(o.ReturnPct)))
}

func (l *Loop) recordDemotion(ctx context.Context, event string, dec performance.Decision) {
	if s := l.stores.Strategies; s != nil {
		if err := s.SetDemoted(ctx, l.cfg.Instrument, dec.StrategyID, dec.Demoted); err != nil {
			l.logger.WarnContext(ctx, "strategy state save failed",
				slog.String("strategy", dec.StrategyID),
				slog.String("error", err.Error()),
			)
		}
	}
	l.audit(ctx, event, map[string]any{
		"instrument":  l.cfg.Instrument,
		"strategy_id": dec.StrategyID,
		"trades":      dec.Evaluation.Trades,
		"dsr":         dec.Evaluation.DSR,
		"min_trl":     dec.Evaluation.MinTRL,
	})
}

func (l *Loop) audit(ctx context.Context, event string, detail map[string]any) {
	if l.stores.Audit == nil {
		return
	}
	if err := l.stores.Audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish pushes the current snapshot to the signal bus and the allocation
// history.
func (l *Loop) publish(ctx context.Context) {
	snap := l.Snapshot()
	if l.bus != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			l.logger.WarnContext(ctx, "snapshot marshal failed", slog.String("error", err.Error()))
			return
		}
		if err := l.bus.Publish(ctx, domain.SnapshotChannel, payload); err != nil {
			l.logger.WarnContext(ctx, "snapshot publish failed", slog.String("error", err.Error()))
		}
		if err := l.bus.StreamAppend(ctx, domain.SnapshotStream, payload); err != nil {
			l.logger.WarnContext(ctx, "snapshot stream append failed", slog.String("error", err.Error()))
		}
	}
	if s := l.stores.Allocations; s != nil && snap.Allocation.Weights != nil {
		if err := s.Insert(ctx, l.cfg.Instrument, snap.Allocation); err != nil {
			l.logger.WarnContext(ctx, "allocation insert failed", slog.String("error", err.Error()))
		}
	}
}
