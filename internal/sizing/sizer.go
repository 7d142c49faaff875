// Package sizing converts a raw strategy signal into a bounded position size
// through a saturating bound followed by power-law compression.
package sizing

import (
	"errors"
	"math"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Config holds the sizing calibration.
type Config struct {
	Steepness       float64 // k in tanh(k*signal)
	Exponent        float64 // alpha in |s|^alpha, (0, 1)
	Deadband        float64 // minimum |signal| to trade
	RiskPerPosition float64 // max fraction of equity at risk per position
	MaxPositionPct  float64
	Kelly           KellyConfig
}

// DefaultConfig returns square-root scaling with a unit steepness.
func DefaultConfig() Config {
	return Config{
		Steepness:       1.0,
		Exponent:        0.5,
		Deadband:        0.05,
		RiskPerPosition: 0.10,
		MaxPositionPct:  0.10,
		Kelly:           DefaultKellyConfig(),
	}
}

// Validate checks the calibration.
func (c Config) Validate() error {
	switch {
	case c.Steepness <= 0:
		return errors.New("sizing: steepness must be > 0")
	case c.Exponent <= 0 || c.Exponent >= 1:
		return errors.New("sizing: exponent must be in (0, 1)")
	case c.Deadband < 0:
		return errors.New("sizing: deadband must be >= 0")
	case c.RiskPerPosition <= 0 || c.RiskPerPosition > 1:
		return errors.New("sizing: risk per position must be in (0, 1]")
	case c.MaxPositionPct <= 0 || c.MaxPositionPct > 1:
		return errors.New("sizing: max position pct must be in (0, 1]")
	}
	return c.Kelly.Validate()
}

// Input is one sizing request.
type Input struct {
	Signal        float64
	Weight        float64
	Regime        domain.RegimeState
	RequireRegime bool
	KellyScale    float64 // portfolio-level multiplier, 0 or 1 when disabled
	// Derate is the share of the size withheld by the drawdown breaker, in
	// [0, 1]. 1 blocks the entry.
	Derate float64
}

// FlatReason explains why a decision is flat.
type FlatReason string

const (
	FlatNone       FlatReason = ""
	FlatNoSignal   FlatReason = "no_signal"
	FlatDeadband   FlatReason = "deadband"
	FlatZeroWeight FlatReason = "zero_weight"
	FlatNotReady   FlatReason = "regime_not_ready"
	FlatZeroSize   FlatReason = "zero_size"
	FlatDrawdown   FlatReason = "drawdown"
)

// Decision is a bounded size and direction.
type Decision struct {
	Side    domain.Side
	Size    float64 // fraction of equity, in [0, MaxPositionPct]
	Bounded float64 // tanh(k*signal)
	Reason  FlatReason
}

// Flat reports whether the decision carries no exposure.
func (d Decision) Flat() bool {
	return d.Side == domain.SideFlat || d.Size == 0
}

// Sizer is stateless and safe for concurrent use.
type Sizer struct {
	cfg Config
}

// New creates a Sizer.
func New(cfg Config) (*Sizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sizer{cfg: cfg}, nil
}

// Config returns the calibration.
func (s *Sizer) Config() Config {
	return s.cfg
}

// Size runs the bounding pipeline. The stages are applied in a fixed order:
// saturate, compress, scale by weight and risk budget, then clamp.
func (s *Sizer) Size(in Input) Decision {
	if math.IsNaN(in.Signal) || math.IsInf(in.Signal, 0) {
		return flat(FlatNoSignal)
	}
	if math.Abs(in.Signal) < s.cfg.Deadband || in.Signal == 0 {
		return flat(FlatDeadband)
	}
	if !(in.Weight > 0) || math.IsInf(in.Weight, 0) {
		return flat(FlatZeroWeight)
	}
	if in.RequireRegime && !in.Regime.Ready() {
		return flat(FlatNotReady)
	}
	if in.Derate >= 1 {
		return flat(FlatDrawdown)
	}

	bounded := math.Tanh(s.cfg.Steepness * in.Signal)
	magnitude := math.Pow(math.Abs(bounded), s.cfg.Exponent)
	size := magnitude * in.Weight * s.cfg.RiskPerPosition
	if in.KellyScale > 0 && !math.IsInf(in.KellyScale, 0) {
		size *= in.KellyScale
	}
	if in.Derate > 0 {
		size *= 1 - in.Derate
	}
	size = math.Min(math.Max(size, 0), s.cfg.MaxPositionPct)
	if math.IsNaN(size) || size == 0 {
		return flat(FlatZeroSize)
	}

	side := domain.SideLong
	if bounded < 0 {
		side = domain.SideShort
	}
	return Decision{Side: side, Size: size, Bounded: bounded}
}

func flat(reason FlatReason) Decision {
	return Decision{Side: domain.SideFlat, Reason: reason}
}
