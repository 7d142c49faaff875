package sizing

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// KellyConfig controls the optional portfolio-level Kelly multiplier.
type KellyConfig struct {
	Enabled    bool
	Fraction   float64
	MinHistory time.Duration
	MinObs     int
}

// DefaultKellyConfig returns a disabled quarter-Kelly calibration that needs
// one year of history.
func DefaultKellyConfig() KellyConfig {
	return KellyConfig{
		Fraction:   0.25,
		MinHistory: 365 * 24 * time.Hour,
		MinObs:     252,
	}
}

// Validate checks the calibration.
func (c KellyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Fraction <= 0 || c.Fraction > 1:
		return errors.New("sizing: kelly fraction must be in (0, 1]")
	case c.MinHistory < 365*24*time.Hour:
		return errors.New("sizing: kelly needs at least one year of history")
	case c.MinObs < 2:
		return errors.New("sizing: kelly min observations must be >= 2")
	}
	return nil
}

// PortfolioReturn is one observation of the blended portfolio.
type PortfolioReturn struct {
	Time   time.Time
	Return float64
}

// KellyScale is the portfolio-level multiplier applied to every size.
type KellyScale struct {
	Scale    float64 `json:"scale"`
	Eligible bool    `json:"eligible"`
	Reason   string  `json:"reason,omitempty"`
}

// PortfolioKelly computes the fractional continuous Kelly multiplier
// fraction*mu/sigma^2 clamped to [0, 1]. When disabled or ineligible the scale
// is 1, leaving sizes untouched.
func (s *Sizer) PortfolioKelly(history []PortfolioReturn) KellyScale {
	k := s.cfg.Kelly
	if !k.Enabled {
		return KellyScale{Scale: 1, Reason: "disabled"}
	}
	if len(history) < k.MinObs || len(history) < 2 {
		return KellyScale{Scale: 1, Reason: "insufficient observations"}
	}
	if span := history[len(history)-1].Time.Sub(history[0].Time); span < k.MinHistory {
		return KellyScale{Scale: 1, Reason: "insufficient history"}
	}

	xs := make([]float64, len(history))
	for i, h := range history {
		xs[i] = h.Return
	}
	mu, sd := stat.MeanStdDev(xs, nil)
	if math.IsNaN(mu) || math.IsNaN(sd) || sd <= 0 || mu <= 0 {
		return KellyScale{Scale: 1, Reason: "unstable history"}
	}
	f := k.Fraction * mu / (sd * sd)
	return KellyScale{Scale: math.Min(math.Max(f, 0), 1), Eligible: true}
}
