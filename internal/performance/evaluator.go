// Package performance computes bias-corrected skill metrics for closed trades
// and decides which strategies remain eligible for capital.
package performance

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Config holds the evaluation policy.
type Config struct {
	DSRThreshold float64
	MinTrades    int
	WinRateDecay float64
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		DSRThreshold: 0.95,
		MinTrades:    20,
		WinRateDecay: 0.99,
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	switch {
	case c.DSRThreshold <= 0.5 || c.DSRThreshold >= 1:
		return errors.New("performance: dsr threshold must be in (0.5, 1)")
	case c.MinTrades < 2:
		return errors.New("performance: min trades must be >= 2")
	case c.WinRateDecay <= 0 || c.WinRateDecay > 1:
		return errors.New("performance: win rate decay must be in (0, 1]")
	}
	return nil
}

// Strategy registers one strategy with its trial count and win-rate prior.
type Strategy struct {
	ID         string
	Trials     int
	PriorAlpha float64
	PriorBeta  float64
}

// Decision is the result of recording an outcome.
type Decision struct {
	StrategyID string
	Evaluation domain.Evaluation
	Demoted    bool
	Changed    bool // demotion status flipped
}

// Evaluator owns the PerformanceRecords of one instrument. It is not safe for
// concurrent use.
type Evaluator struct {
	cfg        Config
	instrument string
	logger     *slog.Logger
	strategies map[string]Strategy
	records    map[string]*domain.PerformanceRecord
}

// New creates an Evaluator with one empty record per strategy.
func New(cfg Config, instrument string, strategies []Strategy, logger *slog.Logger) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Evaluator{
		cfg:        cfg,
		instrument: instrument,
		logger:     logger.With(slog.String("component", "performance"), slog.String("instrument", instrument)),
		strategies: make(map[string]Strategy, len(strategies)),
		records:    make(map[string]*domain.PerformanceRecord, len(strategies)),
	}
	for _, s := range strategies {
		if s.Trials < 1 {
			s.Trials = 1
		}
		e.strategies[s.ID] = s
		e.records[s.ID] = &domain.PerformanceRecord{
			Instrument: instrument,
			StrategyID: s.ID,
			Probation:  true,
			Evaluation: domain.Evaluation{Trials: s.Trials},
		}
	}
	return e, nil
}

// Record appends a closed trade and re-evaluates its strategy.
func (e *Evaluator) Record(o domain.TradeOutcome) (Decision, error) {
	rec, ok := e.records[o.StrategyID]
	if !ok {
		return Decision{}, fmt.Errorf("performance: %s: %w", o.StrategyID, domain.ErrUnknownStrategy)
	}
	rec.Returns = append(rec.Returns, o.ReturnPct)
	at := o.ExitTime
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return e.evaluate(rec, at), nil
}

// Load replaces a strategy's history, e.g. when warming up from storage, and
// evaluates it.
func (e *Evaluator) Load(strategyID string, returns []float64, demoted bool) (Decision, error) {
	rec, ok := e.records[strategyID]
	if !ok {
		return Decision{}, fmt.Errorf("performance: %s: %w", strategyID, domain.ErrUnknownStrategy)
	}
	rec.Returns = append([]float64(nil), returns...)
	rec.Demoted = demoted
	return e.evaluate(rec, time.Now().UTC()), nil
}

func (e *Evaluator) evaluate(rec *domain.PerformanceRecord, at time.Time) Decision {
	s := e.strategies[rec.StrategyID]
	rec.Evaluation = Evaluate(rec.Returns, s.Trials, e.cfg.DSRThreshold)
	rec.WinRate = winRate(rec.Returns, s.PriorAlpha, s.PriorBeta, e.cfg.WinRateDecay)
	rec.UpdatedAt = at
	rec.Probation = len(rec.Returns) < e.cfg.MinTrades

	was := rec.Demoted
	if !rec.Probation {
		rec.Demoted = !rec.Evaluation.Eligible
	}
	d := Decision{
		StrategyID: rec.StrategyID,
		Evaluation: rec.Evaluation,
		Demoted:    rec.Demoted,
		Changed:    was != rec.Demoted,
	}
	if d.Changed {
		if rec.Demoted {
			t := at
			rec.DemotedAt = &t
		} else {
			rec.DemotedAt = nil
		}
		e.logger.Info("strategy eligibility changed",
			slog.String("strategy", rec.StrategyID),
			slog.Bool("demoted", rec.Demoted),
			slog.Int("trades", rec.Evaluation.Trades),
			slog.Any("dsr", rec.Evaluation.DSR),
		)
	}
	return d
}

// Get returns a copy of one record.
func (e *Evaluator) Get(strategyID string) (domain.PerformanceRecord, error) {
	rec, ok := e.records[strategyID]
	if !ok {
		return domain.PerformanceRecord{}, fmt.Errorf("performance: %s: %w", strategyID, domain.ErrNotFound)
	}
	return copyRecord(rec), nil
}

// Records returns copies of every record sorted by strategy ID.
func (e *Evaluator) Records() []domain.PerformanceRecord {
	out := make([]domain.PerformanceRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

func copyRecord(rec *domain.PerformanceRecord) domain.PerformanceRecord {
	c := *rec
	c.Returns = append([]float64(nil), rec.Returns...)
	return c
}

// winRate is the discounted Beta posterior mean of the share of winning
// trades.
func winRate(returns []float64, priorAlpha, priorBeta, decay float64) domain.Metric {
	if priorAlpha <= 0 {
		priorAlpha = 1
	}
	if priorBeta <= 0 {
		priorBeta = 1
	}
	wins, losses := 0.0, 0.0
	for _, r := range returns {
		wins *= decay
		losses *= decay
		if r > 0 {
			wins++
		} else {
			losses++
		}
	}
	return domain.NewMetric((priorAlpha + wins) / (priorAlpha + priorBeta + wins + losses))
}
