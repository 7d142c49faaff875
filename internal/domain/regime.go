package domain

import (
	"fmt"
	"math"
	"time"
)

// ProbabilityTolerance bounds how far a probability vector may drift from 1.
const ProbabilityTolerance = 1e-6

// RegimeState is a probability distribution over the configured regimes plus
// the current transition matrix estimate.
type RegimeState struct {
	Regimes       []string    `json:"regimes"`
	Probabilities []float64   `json:"probabilities"`
	Transition    [][]float64 `json:"transition"`
	NotReady      bool        `json:"not_ready"`
	Stale         bool        `json:"stale"`
	Volatility    float64     `json:"volatility"`
	Observations  int         `json:"observations"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Ready reports whether the state carries usable regime information.
func (s RegimeState) Ready() bool {
	return !s.NotReady && len(s.Probabilities) > 0
}

// Dominant returns the index and name of the most probable regime.
func (s RegimeState) Dominant() (int, string) {
	best := -1
	for i, p := range s.Probabilities {
		if best < 0 || p > s.Probabilities[best] {
			best = i
		}
	}
	if best < 0 || best >= len(s.Regimes) {
		return -1, ""
	}
	return best, s.Regimes[best]
}

// Probability returns the probability of the named regime, or 0.
func (s RegimeState) Probability(name string) float64 {
	for i, r := range s.Regimes {
		if r == name && i < len(s.Probabilities) {
			return s.Probabilities[i]
		}
	}
	return 0
}

// Check verifies the probability vector and every transition row sum to 1.
func (s RegimeState) Check() error {
	if len(s.Probabilities) != len(s.Regimes) {
		return fmt.Errorf("%w: %d probabilities for %d regimes", ErrInvariantViolation, len(s.Probabilities), len(s.Regimes))
	}
	if err := checkDistribution("regime probabilities", s.Probabilities); err != nil {
		return err
	}
	for i, row := range s.Transition {
		if err := checkDistribution(fmt.Sprintf("transition row %d", i), row); err != nil {
			return err
		}
	}
	return nil
}

func checkDistribution(name string, p []float64) error {
	sum := 0.0
	for _, v := range p {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s contains %v", ErrInvariantViolation, name, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > ProbabilityTolerance {
		return fmt.Errorf("%w: %s sum to %.9f", ErrInvariantViolation, name, sum)
	}
	return nil
}
