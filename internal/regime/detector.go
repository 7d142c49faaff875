// Package regime infers a probabilistic market regime from a bar stream by
// combining a hidden-Markov filter with a spectral-slope classifier.
package regime

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// Config holds the detector calibration.
type Config struct {
	// Regimes are ordered from most anti-persistent to most persistent.
	Regimes            []string
	MinHistory         int
	SpectralWindow     int
	SpectralSegment    int
	SpectralThresholds []float64
	HMMWeight          float64
	SpectralWeight     float64
	HMMStayProb        float64
	StaleAfter         time.Duration
	VolShortSpan       int
	VolLongSpan        int
}

// DefaultConfig returns the three-regime calibration.
func DefaultConfig() Config {
	return Config{
		Regimes:            []string{"mean_reverting", "normal", "trending"},
		MinHistory:         500,
		SpectralWindow:     256,
		SpectralSegment:    64,
		SpectralThresholds: []float64{0.5, 1.5},
		HMMWeight:          0.5,
		SpectralWeight:     0.5,
		HMMStayProb:        0.95,
		VolShortSpan:       20,
		VolLongSpan:        250,
	}
}

// Validate checks the calibration for internal consistency.
func (c Config) Validate() error {
	k := len(c.Regimes)
	if k < 2 || k > 3 {
		return fmt.Errorf("regime: need 2 or 3 regimes, got %d", k)
	}
	if len(c.SpectralThresholds) != k-1 {
		return fmt.Errorf("regime: need %d spectral thresholds, got %d", k-1, len(c.SpectralThresholds))
	}
	for i := 1; i < len(c.SpectralThresholds); i++ {
		if c.SpectralThresholds[i] <= c.SpectralThresholds[i-1] {
			return errors.New("regime: spectral thresholds must be ascending")
		}
	}
	if c.HMMWeight < 0 || c.SpectralWeight < 0 || c.HMMWeight+c.SpectralWeight <= 0 {
		return errors.New("regime: estimator weights must be >= 0 with a positive sum")
	}
	if c.HMMWeight == 0 {
		return errors.New("regime: hmm weight must be > 0")
	}
	if c.HMMStayProb <= 0 || c.HMMStayProb >= 1 {
		return errors.New("regime: hmm stay probability must be in (0, 1)")
	}
	if c.MinHistory < 2 {
		return errors.New("regime: min history must be >= 2")
	}
	if c.SpectralWindow < 32 {
		return errors.New("regime: spectral window must be >= 32")
	}
	if c.SpectralSegment < 8 {
		return errors.New("regime: spectral segment must be >= 8")
	}
	if c.VolShortSpan < 1 || c.VolLongSpan < c.VolShortSpan {
		return errors.New("regime: volatility spans must satisfy 1 <= short <= long")
	}
	return nil
}

// Detector owns the RegimeState of one instrument. It is not safe for
// concurrent use.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	hmm    *hmm

	last     *domain.Bar
	returns  []float64
	pending  []float64
	n        int
	prevX    float64
	havePrev bool

	varShort float64
	varLong  float64
	lamShort float64
	lamLong  float64

	state domain.RegimeState
}

// New creates a Detector.
func New(cfg Config, logger *slog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "regime")),
		hmm:      newHMM(len(cfg.Regimes), cfg.HMMStayProb),
		lamShort: 1 - 2/float64(cfg.VolShortSpan+1),
		lamLong:  1 - 2/float64(cfg.VolLongSpan+1),
	}
	d.state = d.notReady(time.Time{})
	return d, nil
}

// State returns the most recent regime state.
func (d *Detector) State() domain.RegimeState {
	return d.state
}

// Update folds one bar into the detector and returns the new state. Bad or
// gapped data never fails: the last valid posterior is returned flagged stale.
// The only error is an invariant violation, which is fatal.
func (d *Detector) Update(bar domain.Bar) (domain.RegimeState, error) {
	if !bar.Valid() {
		return d.stale("invalid bar", bar), nil
	}
	if d.last == nil {
		b := bar
		d.last = &b
		return d.state, nil
	}
	if !bar.Time.After(d.last.Time) {
		return d.stale("non-monotonic timestamp", bar), nil
	}
	if d.cfg.StaleAfter > 0 && bar.Time.Sub(d.last.Time) > d.cfg.StaleAfter {
		b := bar
		d.last = &b
		d.havePrev = false
		return d.stale("gap in feed", bar), nil
	}

	r := math.Log(bar.Close / d.last.Close)
	b := bar
	d.last = &b
	d.observe(r)
	return d.emit(bar.Time)
}

func (d *Detector) observe(r float64) {
	r2 := r * r
	if d.n == 0 {
		d.varShort, d.varLong = r2, r2
	} else {
		d.varShort = d.lamShort*d.varShort + (1-d.lamShort)*r2
		d.varLong = d.lamLong*d.varLong + (1-d.lamLong)*r2
	}
	d.n++

	d.returns = append(d.returns, r)
	if keep := d.cfg.SpectralWindow; len(d.returns) > keep {
		d.returns = append(d.returns[:0], d.returns[len(d.returns)-keep:]...)
	}

	sigma := math.Sqrt(d.varLong)
	if sigma < 1e-12 {
		sigma = 1e-12
	}
	x := r / sigma
	if d.havePrev {
		y := x * d.prevX
		if d.hmm.fitted {
			d.hmm.step(y)
		} else {
			d.pending = append(d.pending, y)
		}
	}
	d.prevX, d.havePrev = x, true

	if !d.hmm.fitted && d.n >= d.cfg.MinHistory && len(d.pending) >= 2 {
		d.hmm.fit(d.pending)
		d.pending = nil
		d.logger.Info("regime detector initialized", slog.Int("observations", d.n))
	}
}

func (d *Detector) emit(t time.Time) (domain.RegimeState, error) {
	if !d.hmm.fitted || d.n < d.cfg.MinHistory {
		d.state = d.notReady(t)
		return d.state, nil
	}

	k := len(d.cfg.Regimes)
	probs := make([]float64, k)
	total := d.cfg.HMMWeight
	for i, p := range d.hmm.post {
		probs[i] = d.cfg.HMMWeight * p
	}
	if d.cfg.SpectralWeight > 0 {
		if alpha, ok := spectralSlope(d.returns, d.cfg.SpectralSegment); ok {
			probs[classify(alpha, d.cfg.SpectralThresholds)] += d.cfg.SpectralWeight
			total += d.cfg.SpectralWeight
		}
	}
	for i := range probs {
		probs[i] /= total
	}

	st := domain.RegimeState{
		Regimes:       append([]string(nil), d.cfg.Regimes...),
		Probabilities: probs,
		Transition:    d.hmm.transition(),
		Volatility:    d.normalizedVol(),
		Observations:  d.n,
		UpdatedAt:     t,
	}
	if err := st.Check(); err != nil {
		return st, fmt.Errorf("regime: %w", err)
	}
	d.state = st
	return st, nil
}

func (d *Detector) notReady(t time.Time) domain.RegimeState {
	return domain.RegimeState{
		Regimes:       append([]string(nil), d.cfg.Regimes...),
		Probabilities: uniform(len(d.cfg.Regimes)),
		Transition:    d.hmm.transition(),
		NotReady:      true,
		Volatility:    d.normalizedVol(),
		Observations:  d.n,
		UpdatedAt:     t,
	}
}

func (d *Detector) stale(reason string, bar domain.Bar) domain.RegimeState {
	d.logger.Warn("regime window stale",
		slog.String("reason", reason),
		slog.String("instrument", bar.Instrument),
		slog.Time("bar_time", bar.Time),
	)
	st := d.state
	st.Stale = true
	return st
}

// normalizedVol maps the short/long volatility ratio into [0, 1].
func (d *Detector) normalizedVol() float64 {
	if d.varLong <= 0 {
		return 0
	}
	ratio := math.Sqrt(d.varShort / d.varLong)
	return math.Min(math.Max((ratio-0.5)/1.5, 0), 1)
}
