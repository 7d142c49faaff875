package controller

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/allocbot/internal/allocator"
	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/executor"
	"github.com/alanyoungcy/allocbot/internal/performance"
	"github.com/alanyoungcy/allocbot/internal/regime"
	"github.com/alanyoungcy/allocbot/internal/risk"
	"github.com/alanyoungcy/allocbot/internal/sizing"
	"github.com/alanyoungcy/allocbot/internal/strategy"
)

// Settings is the full calibration of one instrument's components.
type Settings struct {
	Loop        Config
	Regime      regime.Config
	Allocator   allocator.Config
	Sizer       sizing.Config
	Risk        risk.Config
	Drawdown    risk.DrawdownConfig
	Performance performance.Config

	QueueCapacity   int
	DedupTTL        time.Duration
	MaxOpen         int
	MaxGross        float64
	TrackerCapacity int
	// Seed makes the allocator's sampling reproducible. The instrument name is
	// mixed in so instruments sharing a seed draw independent streams.
	Seed uint64
}

// StrategySpec declares one strategy on the instrument.
type StrategySpec struct {
	Provider      strategy.Config
	PriorAlpha    float64
	WinPriorAlpha float64
	WinPriorBeta  float64
	// Trials is the number of configurations tried when the strategy was
	// selected. Zero means the number of strategies on the instrument.
	Trials        int
	RequireRegime bool
	Barriers      domain.BarrierConfig
}

// Build constructs and wires every component of one instrument.
func Build(
	ctx context.Context,
	s Settings,
	specs []StrategySpec,
	reg *strategy.Registry,
	placer risk.OrderPlacer,
	alerter risk.Alerter,
	prices domain.PriceCache,
	logger *slog.Logger,
	opts ...Option,
) (*Loop, error) {
	if len(specs) == 0 {
		return nil, errors.New("controller: no strategies configured")
	}
	inst := s.Loop.Instrument

	det, err := regime.New(s.Regime, logger.With(slog.String("instrument", inst)))
	if err != nil {
		return nil, fmt.Errorf("controller: %s: %w", inst, err)
	}
	sizer, err := sizing.New(s.Sizer)
	if err != nil {
		return nil, fmt.Errorf("controller: %s: %w", inst, err)
	}

	arms := make([]allocator.Strategy, 0, len(specs))
	evals := make([]performance.Strategy, 0, len(specs))
	members := make([]Member, 0, len(specs))
	for _, sp := range specs {
		trials := sp.Trials
		if trials <= 0 {
			trials = len(specs)
		}
		arms = append(arms, allocator.Strategy{ID: sp.Provider.ID, PriorAlpha: sp.PriorAlpha})
		evals = append(evals, performance.Strategy{
			ID:         sp.Provider.ID,
			Trials:     trials,
			PriorAlpha: sp.WinPriorAlpha,
			PriorBeta:  sp.WinPriorBeta,
		})
		p, err := reg.Build(ctx, sp.Provider, logger)
		if err != nil {
			closeMembers(members)
			return nil, fmt.Errorf("controller: %s: %w", inst, err)
		}
		members = append(members, Member{
			ID:            sp.Provider.ID,
			Kind:          sp.Provider.Kind,
			Provider:      p,
			RequireRegime: sp.RequireRegime,
			Barriers:      sp.Barriers,
		})
	}

	alloc, err := allocator.New(s.Allocator, arms, rand.NewPCG(s.Seed, instrumentSeed(inst)), logger.With(slog.String("instrument", inst)))
	if err != nil {
		closeMembers(members)
		return nil, fmt.Errorf("controller: %s: %w", inst, err)
	}
	eval, err := performance.New(s.Performance, inst, evals, logger)
	if err != nil {
		closeMembers(members)
		return nil, fmt.Errorf("controller: %s: %w", inst, err)
	}
	rx, err := risk.New(s.Risk, inst, placer, alerter, logger)
	if err != nil {
		closeMembers(members)
		return nil, fmt.Errorf("controller: %s: %w", inst, err)
	}
	dd, err := risk.NewDrawdown(s.Drawdown, s.Loop.Equity)
	if err != nil {
		closeMembers(members)
		return nil, fmt.Errorf("controller: %s: %w", inst, err)
	}

	capacity := s.QueueCapacity
	if capacity < len(specs) {
		capacity = len(specs)
	}
	var checks []executor.RiskChecker
	if s.MaxOpen > 0 || s.MaxGross > 0 {
		checks = append(checks, executor.NewLimits(s.MaxOpen, s.MaxGross, rx))
	}
	queue := executor.NewExecutor(capacity, rx, logger.With(slog.String("instrument", inst)), checks...)
	if s.DedupTTL > 0 {
		queue.SetDedupTTL(s.DedupTTL)
	}

	l, err := New(s.Loop, Deps{
		Detector:  det,
		Allocator: alloc,
		Sizer:     sizer,
		Risk:      rx,
		Drawdown:  dd,
		Evaluator: eval,
		Queue:     queue,
		Tracker:   strategy.NewPriceTracker(prices, s.TrackerCapacity),
		Members:   members,
	}, logger, opts...)
	if err != nil {
		closeMembers(members)
		return nil, err
	}
	return l, nil
}

// Close releases the strategy providers.
func (l *Loop) Close() error {
	var errs []error
	for _, m := range l.deps.Members {
		if err := m.Provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("controller: close %s: %w", m.ID, err))
		}
	}
	return errors.Join(errs...)
}

func closeMembers(ms []Member) {
	for _, m := range ms {
		_ = m.Provider.Close()
	}
}

func instrumentSeed(instrument string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(instrument))
	return h.Sum64()
}
