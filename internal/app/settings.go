package app

import (
	"github.com/alanyoungcy/allocbot/internal/allocator"
	"github.com/alanyoungcy/allocbot/internal/config"
	"github.com/alanyoungcy/allocbot/internal/controller"
	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/executor"
	"github.com/alanyoungcy/allocbot/internal/performance"
	"github.com/alanyoungcy/allocbot/internal/regime"
	"github.com/alanyoungcy/allocbot/internal/risk"
	"github.com/alanyoungcy/allocbot/internal/sizing"
	"github.com/alanyoungcy/allocbot/internal/strategy"
)

// settingsFor maps the configuration onto the components of one instrument.
func settingsFor(cfg *config.Config, instrument string) controller.Settings {
	return controller.Settings{
		Loop: controller.Config{
			Instrument:       instrument,
			Equity:           cfg.Account.Equity,
			IntentTTL:        cfg.Controller.IntentTTL.Duration,
			SnapshotInterval: cfg.Controller.SnapshotInterval.Duration,
			LockTTL:          cfg.Controller.LockTTL.Duration,
		},
		Regime: regime.Config{
			Regimes:            cfg.Regime.Regimes,
			MinHistory:         cfg.Regime.MinHistory,
			SpectralWindow:     cfg.Regime.SpectralWindow,
			SpectralSegment:    cfg.Regime.SpectralSegment,
			SpectralThresholds: cfg.Regime.SpectralThresholds,
			HMMWeight:          cfg.Regime.HMMWeight,
			SpectralWeight:     cfg.Regime.SpectralWeight,
			HMMStayProb:        cfg.Regime.HMMStayProb,
			StaleAfter:         cfg.Regime.StaleAfter.Duration,
			VolShortSpan:       cfg.Regime.VolShortSpan,
			VolLongSpan:        cfg.Regime.VolLongSpan,
		},
		Allocator: allocator.Config{
			Regimes:              cfg.Regime.Regimes,
			RiskBudget:           cfg.Allocator.RiskBudget,
			Lookback:             cfg.Allocator.Lookback,
			Discount:             cfg.Allocator.Discount,
			AdaptiveDecay:        cfg.Allocator.AdaptiveDecay,
			DecaySensitivity:     cfg.Allocator.DecaySensitivity,
			Significance:         cfg.Allocator.Significance,
			CorrelationThreshold: cfg.Allocator.CorrelationThreshold,
			MinOverlap:           cfg.Allocator.MinOverlap,
		},
		Sizer: sizing.Config{
			Steepness:       cfg.Sizer.Steepness,
			Exponent:        cfg.Sizer.Exponent,
			Deadband:        cfg.Sizer.Deadband,
			RiskPerPosition: cfg.Sizer.RiskPerPosition,
			MaxPositionPct:  cfg.Sizer.MaxPositionPct,
			Kelly: sizing.KellyConfig{
				Enabled:    cfg.Sizer.Kelly.Enabled,
				Fraction:   cfg.Sizer.Kelly.Fraction,
				MinHistory: cfg.Sizer.Kelly.MinHistory.Duration,
				MinObs:     cfg.Sizer.Kelly.MinObs,
			},
		},
		Risk: risk.Config{
			MaxExitRetries: cfg.Risk.MaxExitRetries,
			EntryTimeout:   cfg.Risk.EntryTimeout.Duration,
		},
		Drawdown: risk.DrawdownConfig{
			WarningPct:         cfg.Risk.Drawdown.WarningPct,
			ReducingPct:        cfg.Risk.Drawdown.ReducingPct,
			HaltPct:            cfg.Risk.Drawdown.HaltPct,
			RecoveryPct:        cfg.Risk.Drawdown.RecoveryPct,
			WarningMultiplier:  cfg.Risk.Drawdown.WarningMultiplier,
			ReducingMultiplier: cfg.Risk.Drawdown.ReducingMultiplier,
			DailyLossPct:       cfg.Risk.Drawdown.DailyLossPct,
		},
		Performance: performance.Config{
			DSRThreshold: cfg.Performance.DSRThreshold,
			MinTrades:    cfg.Performance.MinTrades,
			WinRateDecay: cfg.Performance.WinRateDecay,
		},
		QueueCapacity:   cfg.Controller.QueueCapacity,
		DedupTTL:        cfg.Controller.DedupTTL.Duration,
		MaxOpen:         cfg.Account.MaxOpenPositions,
		MaxGross:        cfg.Account.MaxGrossExposure,
		TrackerCapacity: cfg.Controller.TrackerCapacity,
		Seed:            cfg.Controller.Seed,
	}
}

// specsFor returns the strategies configured on instrument. Unset priors
// default to the uniform prior of 1.
func specsFor(cfg *config.Config, instrument string) []controller.StrategySpec {
	var specs []controller.StrategySpec
	for _, s := range cfg.Strategies {
		if !s.RunsOn(instrument) {
			continue
		}
		specs = append(specs, controller.StrategySpec{
			Provider:      strategy.Config{ID: s.ID, Kind: s.Kind, Params: s.Params},
			PriorAlpha:    orOne(s.PriorAlpha),
			WinPriorAlpha: orOne(s.WinPriorAlpha),
			WinPriorBeta:  orOne(s.WinPriorBeta),
			Trials:        s.Trials,
			RequireRegime: s.RequireRegime,
			Barriers: domain.BarrierConfig{
				TakeProfitPct: s.TakeProfitPct,
				StopLossPct:   s.StopLossPct,
				TimeLimit:     s.TimeLimit.Duration,
			},
		})
	}
	return specs
}

// guardConfig maps the venue section onto the placer guards.
func guardConfig(v config.VenueConfig) executor.GuardConfig {
	return executor.GuardConfig{
		Name:                   v.Kind,
		LotSize:                v.LotSize,
		MinQuantity:            v.MinQuantity,
		RatePerSecond:          v.RatePerSecond,
		Burst:                  v.Burst,
		MaxConsecutiveFailures: v.MaxConsecutiveFailures,
		OpenTimeout:            v.BreakerTimeout.Duration,
		QueueSize:              v.ReportBuffer,
	}
}

func orOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}
