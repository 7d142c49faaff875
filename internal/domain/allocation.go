package domain

import (
	"fmt"
	"math"
	"time"
)

// AllocationWeights maps strategy IDs to their share of the risk budget.
type AllocationWeights struct {
	Weights    map[string]float64 `json:"weights"`
	Budget     float64            `json:"budget"`
	Regime     string             `json:"regime,omitempty"`
	Blended    bool               `json:"blended"`
	Clusters   [][]string         `json:"clusters,omitempty"`
	NoEligible bool               `json:"no_eligible"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Weight returns the weight for id, or 0 when absent.
func (a AllocationWeights) Weight(id string) float64 {
	if a.Weights == nil {
		return 0
	}
	return a.Weights[id]
}

// Sum returns the total allocated weight.
func (a AllocationWeights) Sum() float64 {
	sum := 0.0
	for _, w := range a.Weights {
		sum += w
	}
	return sum
}

// Check verifies the weights are non-negative and sum to the budget. An
// allocation with no eligible strategy must be all zero.
func (a AllocationWeights) Check() error {
	for id, w := range a.Weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight for %s is %v", ErrInvariantViolation, id, w)
		}
	}
	want := a.Budget
	if a.NoEligible {
		want = 0
	}
	if sum := a.Sum(); math.Abs(sum-want) > ProbabilityTolerance {
		return fmt.Errorf("%w: weights sum to %.9f, budget %.9f", ErrInvariantViolation, sum, want)
	}
	return nil
}
