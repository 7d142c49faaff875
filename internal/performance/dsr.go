package performance

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// eulerGamma is the Euler-Mascheroni constant used in the expected maximum
// Sharpe ratio of N independent trials.
const eulerGamma = 0.5772156649015329

// Moments are the per-trade statistics a DSR is computed from.
type Moments struct {
	Sharpe   float64
	Skewness float64
	Kurtosis float64 // raw, 3 for a normal distribution
	Trades   int
}

// Deflated holds the outputs of the deflation.
type Deflated struct {
	SigmaSR float64
	SR0     float64
	PSR     float64
	DSR     float64
	MinTRL  domain.Metric
}

// varianceTerm is 1 - skew*SR + (kurt-1)/4 * SR^2.
func (m Moments) varianceTerm() float64 {
	return 1 - m.Skewness*m.Sharpe + (m.Kurtosis-1)/4*m.Sharpe*m.Sharpe
}

// Deflate computes PSR, DSR and MinTRL for the moments under trials
// independent comparisons at the given confidence. ok is false when the
// statistics are undefined: fewer than three trades or a non-positive
// variance term.
func Deflate(m Moments, trials int, confidence float64) (Deflated, bool) {
	if m.Trades < 3 || math.IsNaN(m.Sharpe) || math.IsInf(m.Sharpe, 0) {
		return Deflated{}, false
	}
	v := m.varianceTerm()
	if !(v > 0) {
		return Deflated{}, false
	}
	sigma := math.Sqrt(v / float64(m.Trades-1))
	sr0 := expectedMaxSharpe(sigma, trials)

	out := Deflated{
		SigmaSR: sigma,
		SR0:     sr0,
		PSR:     distuv.UnitNormal.CDF(m.Sharpe / sigma),
		DSR:     distuv.UnitNormal.CDF((m.Sharpe - sr0) / sigma),
	}
	if m.Sharpe > 0 {
		z := distuv.UnitNormal.Quantile(confidence)
		out.MinTRL = domain.NewMetric(1 + v*(z/m.Sharpe)*(z/m.Sharpe))
	}
	return out, true
}

// expectedMaxSharpe is the Sharpe ratio expected from the best of n unskilled
// trials with Sharpe dispersion sigma. It is 0 for a single trial.
func expectedMaxSharpe(sigma float64, n int) float64 {
	if n <= 1 {
		return 0
	}
	N := float64(n)
	a := distuv.UnitNormal.Quantile(1 - 1/N)
	b := distuv.UnitNormal.Quantile(1 - 1/(N*math.E))
	return sigma * ((1-eulerGamma)*a + eulerGamma*b)
}

// moments computes Sharpe, skewness and raw kurtosis of returns. Skewness and
// kurtosis fall back to normal values when the sample is too small for them,
// with defined reporting whether each was measured.
func moments(returns []float64) (m Moments, mean, sd float64, skewOK, kurtOK bool) {
	m.Trades = len(returns)
	m.Kurtosis = 3
	if len(returns) < 2 {
		return m, math.NaN(), math.NaN(), false, false
	}
	mean, sd = stat.MeanStdDev(returns, nil)
	if !(sd > 0) {
		m.Sharpe = math.NaN()
		return m, mean, sd, false, false
	}
	m.Sharpe = mean / sd
	if len(returns) >= 3 {
		if s := stat.Skew(returns, nil); !math.IsNaN(s) && !math.IsInf(s, 0) {
			m.Skewness, skewOK = s, true
		}
	}
	if len(returns) >= 4 {
		if k := stat.ExKurtosis(returns, nil); !math.IsNaN(k) && !math.IsInf(k, 0) {
			m.Kurtosis, kurtOK = k+3, true
		}
	}
	return m, mean, sd, skewOK, kurtOK
}

// Evaluate derives the skill metrics of a return series compared across
// trials variants. A strategy is eligible when DSR >= threshold and the track
// record is longer than MinTRL.
func Evaluate(returns []float64, trials int, threshold float64) domain.Evaluation {
	if trials < 1 {
		trials = 1
	}
	ev := domain.Evaluation{Trades: len(returns), Trials: trials}
	m, mean, sd, skewOK, kurtOK := moments(returns)
	if len(returns) > 0 {
		ev.Mean = domain.NewMetric(stat.Mean(returns, nil))
	}
	if len(returns) < 2 {
		return ev
	}
	ev.Mean = domain.NewMetric(mean)
	ev.StdDev = domain.NewMetric(sd)
	if !(sd > 0) {
		return ev
	}
	ev.Sharpe = domain.NewMetric(m.Sharpe)
	if skewOK {
		ev.Skewness = domain.NewMetric(m.Skewness)
	}
	if kurtOK {
		ev.Kurtosis = domain.NewMetric(m.Kurtosis)
	}

	d, ok := Deflate(m, trials, threshold)
	if !ok {
		return ev
	}
	ev.PSR = domain.NewMetric(d.PSR)
	ev.DSR = domain.NewMetric(d.DSR)
	ev.MinTRL = d.MinTRL
	ev.Eligible = ev.DSR.Defined && ev.DSR.Value >= threshold &&
		ev.MinTRL.Defined && float64(ev.Trades) > ev.MinTRL.Value
	return ev
}
