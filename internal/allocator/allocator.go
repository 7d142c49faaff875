// Package allocator distributes the risk budget across strategies by Thompson
// sampling from discounted, regime-conditioned Dirichlet posteriors.
package allocator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Config holds the allocator calibration.
type Config struct {
	Regimes              []string
	RiskBudget           float64
	Lookback             int
	Discount             float64
	AdaptiveDecay        bool
	DecaySensitivity     float64
	Significance         float64
	CorrelationThreshold float64
	MinOverlap           int
}

// DefaultConfig returns the default calibration.
func DefaultConfig() Config {
	return Config{
		Regimes:              []string{"mean_reverting", "normal", "trending"},
		RiskBudget:           1.0,
		Lookback:             90,
		Discount:             0.99,
		DecaySensitivity:     0.04,
		Significance:         0.3,
		CorrelationThreshold: 0.7,
		MinOverlap:           10,
	}
}

// Validate checks the calibration.
func (c Config) Validate() error {
	switch {
	case c.RiskBudget <= 0 || c.RiskBudget > 1:
		return errors.New("allocator: risk budget must be in (0, 1]")
	case c.Lookback < 1:
		return errors.New("allocator: lookback must be >= 1")
	case c.Discount <= 0 || c.Discount > 1:
		return errors.New("allocator: discount must be in (0, 1]")
	case c.DecaySensitivity < 0 || c.DecaySensitivity >= c.Discount:
		return errors.New("allocator: decay sensitivity must be in [0, discount)")
	case c.Significance <= 0 || c.Significance >= 1:
		return errors.New("allocator: significance must be in (0, 1)")
	case c.CorrelationThreshold <= 0 || c.CorrelationThreshold > 1:
		return errors.New("allocator: correlation threshold must be in (0, 1]")
	case c.MinOverlap < 3:
		return errors.New("allocator: min overlap must be >= 3")
	}
	return nil
}

// Strategy registers one arm with its Dirichlet prior.
type Strategy struct {
	ID         string
	PriorAlpha float64
}

type round struct {
	returns map[string]float64
	regime  []float64 // nil when the regime was not ready
}

// Allocator owns the AllocationWeights of one instrument. It is not safe for
// concurrent use.
type Allocator struct {
	cfg     Config
	logger  *slog.Logger
	src     rand.Source
	ids     []string
	prior   map[string]float64
	demoted map[string]bool
	window  []round
	last    domain.AllocationWeights
}

// New creates an Allocator over strategies. src drives posterior sampling.
func New(cfg Config, strategies []Strategy, src rand.Source, logger *slog.Logger) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, errors.New("allocator: no strategies")
	}
	a := &Allocator{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "allocator")),
		src:     src,
		prior:   make(map[string]float64, len(strategies)),
		demoted: make(map[string]bool),
	}
	for _, s := range strategies {
		if _, dup := a.prior[s.ID]; dup {
			return nil, fmt.Errorf("allocator: strategy %s: %w", s.ID, domain.ErrAlreadyExists)
		}
		if s.PriorAlpha <= 0 {
			return nil, fmt.Errorf("allocator: strategy %s: prior alpha must be > 0", s.ID)
		}
		a.prior[s.ID] = s.PriorAlpha
		a.ids = append(a.ids, s.ID)
	}
	sort.Strings(a.ids)
	return a, nil
}

// Observe appends one round of realized returns. Unknown strategies and
// non-finite returns are ignored.
func (a *Allocator) Observe(returns map[string]float64, regime domain.RegimeState) {
	r := round{returns: make(map[string]float64, len(returns))}
	for id, v := range returns {
		if _, ok := a.prior[id]; !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		r.returns[id] = v
	}
	if len(r.returns) == 0 {
		return
	}
	if regime.Ready() && len(regime.Probabilities) == len(a.cfg.Regimes) {
		r.regime = append([]float64(nil), regime.Probabilities...)
	}
	a.window = append(a.window, r)
	if len(a.window) > a.cfg.Lookback {
		a.window = append(a.window[:0], a.window[len(a.window)-a.cfg.Lookback:]...)
	}
}

// SetDemoted excludes or re-admits a strategy.
func (a *Allocator) SetDemoted(id string, demoted bool) error {
	if _, ok := a.prior[id]; !ok {
		return fmt.Errorf("allocator: %s: %w", id, domain.ErrUnknownStrategy)
	}
	if demoted {
		a.demoted[id] = true
	} else {
		delete(a.demoted, id)
	}
	return nil
}

// Demoted reports whether id is excluded from sampling.
func (a *Allocator) Demoted(id string) bool {
	return a.demoted[id]
}

// Last returns the most recent allocation.
func (a *Allocator) Last() domain.AllocationWeights {
	return a.last
}

// Allocate samples a weight vector summing to the risk budget.
func (a *Allocator) Allocate(regime domain.RegimeState) (domain.AllocationWeights, error) {
	out := domain.AllocationWeights{
		Weights:   make(map[string]float64, len(a.ids)),
		Budget:    a.cfg.RiskBudget,
		UpdatedAt: regime.UpdatedAt,
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = time.Now().UTC()
	}
	for _, id := range a.ids {
		out.Weights[id] = 0
	}

	var eligible []string
	for _, id := range a.ids {
		if !a.demoted[id] {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		out.NoEligible = true
		a.last = out
		return out, nil
	}

	decay := a.decay(regime)
	credits := a.credits()
	groups := a.clusters(eligible)
	for _, g := range groups {
		if len(g) > 1 {
			out.Clusters = append(out.Clusters, g)
		}
	}

	var sample map[string]float64
	if regime.Ready() && len(regime.Probabilities) == len(a.cfg.Regimes) {
		_, out.Regime = regime.Dominant()
		var sig []int
		mass := 0.0
		for k, p := range regime.Probabilities {
			if p > a.cfg.Significance {
				sig = append(sig, k)
				mass += p
			}
		}
		if len(sig) > 1 {
			out.Blended = true
			sample = make(map[string]float64, len(eligible))
			for _, k := range sig {
				share := regime.Probabilities[k] / mass
				for id, w := range a.sample(groups, a.alphas(credits, decay, k)) {
					sample[id] += share * w
				}
			}
		} else {
			k, _ := regime.Dominant()
			sample = a.sample(groups, a.alphas(credits, decay, k))
		}
	} else {
		sample = a.sample(groups, a.alphas(credits, decay, -1))
	}

	for id, w := range sample {
		out.Weights[id] = w * a.cfg.RiskBudget
	}
	if err := out.Check(); err != nil {
		return out, fmt.Errorf("allocator: %w", err)
	}
	a.last = out
	return out, nil
}

// Posterior returns the pooled Dirichlet parameters at the configured
// discount.
func (a *Allocator) Posterior() map[string]float64 {
	return a.alphas(a.credits(), a.cfg.Discount, -1)
}

// PosteriorMean returns the expected weight of each eligible strategy under
// the pooled posterior, ignoring correlation clusters.
func (a *Allocator) PosteriorMean() map[string]float64 {
	alpha := a.Posterior()
	total := 0.0
	for id, v := range alpha {
		if !a.demoted[id] {
			total += v
		}
	}
	out := make(map[string]float64, len(alpha))
	for id, v := range alpha {
		if !a.demoted[id] && total > 0 {
			out[id] = v / total
		}
	}
	return out
}

func (a *Allocator) decay(regime domain.RegimeState) float64 {
	d := a.cfg.Discount
	if a.cfg.AdaptiveDecay {
		d -= a.cfg.DecaySensitivity * math.Min(math.Max(regime.Volatility, 0), 1)
	}
	return d
}

// credits assigns each round's unit of credit to its best positive
// risk-adjusted performer, splitting ties.
func (a *Allocator) credits() []map[string]float64 {
	scale := a.volatilities()
	out := make([]map[string]float64, len(a.window))
	for i, r := range a.window {
		adjusted := make(map[string]float64, len(r.returns))
		useRaw := false
		for id := range r.returns {
			if _, ok := scale[id]; !ok {
				useRaw = true
				break
			}
		}
		for id, v := range r.returns {
			if useRaw {
				adjusted[id] = v
			} else {
				adjusted[id] = v / scale[id]
			}
		}

		best := 0.0
		var winners []string
		for id, v := range adjusted {
			switch {
			case v <= 0:
			case v > best:
				best = v
				winners = []string{id}
			case v == best:
				winners = append(winners, id)
			}
		}
		c := make(map[string]float64, len(winners))
		for _, id := range winners {
			c[id] = 1 / float64(len(winners))
		}
		out[i] = c
	}
	return out
}

// volatilities returns the windowed return std of each strategy with at least
// two observations and positive dispersion.
func (a *Allocator) volatilities() map[string]float64 {
	series := make(map[string][]float64)
	for _, r := range a.window {
		for id, v := range r.returns {
			series[id] = append(series[id], v)
		}
	}
	out := make(map[string]float64, len(series))
	for id, xs := range series {
		if len(xs) < 2 {
			continue
		}
		if sd := stat.StdDev(xs, nil); sd > 0 && !math.IsNaN(sd) {
			out[id] = sd
		}
	}
	return out
}

// alphas builds the Dirichlet parameters for regime k, or the pooled set when
// k is negative. Rounds without regime information count fully toward every
// set.
func (a *Allocator) alphas(credits []map[string]float64, decay float64, k int) map[string]float64 {
	alpha := make(map[string]float64, len(a.ids))
	for id, p := range a.prior {
		alpha[id] = p
	}
	n := len(a.window)
	for i, r := range a.window {
		w := math.Pow(decay, float64(n-1-i))
		if k >= 0 && r.regime != nil {
			w *= r.regime[k]
		}
		for id, c := range credits[i] {
			alpha[id] += w * c
		}
	}
	return alpha
}

// sample draws one weight vector over eligible strategies. Each cluster is a
// single Dirichlet arm whose weight is split across members by alpha.
func (a *Allocator) sample(groups [][]string, alpha map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	armWeights := []float64{1}
	if len(groups) > 1 {
		armAlpha := make([]float64, len(groups))
		for i, g := range groups {
			s := 0.0
			for _, id := range g {
				s += alpha[id]
			}
			armAlpha[i] = s / float64(len(g))
		}
		armWeights = distmv.NewDirichlet(armAlpha, a.src).Rand(nil)
	}
	for i, g := range groups {
		total := 0.0
		for _, id := range g {
			total += alpha[id]
		}
		for _, id := range g {
			out[id] = armWeights[i] * alpha[id] / total
		}
	}
	return out
}
