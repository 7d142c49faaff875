package regime

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// transitionPrior is the pseudo-count mass per row backing the online
// transition estimate.
const transitionPrior = 50.0

// hmm is a K-state Gaussian hidden Markov filter over the persistence feature.
// State means are ordered from most anti-persistent to most persistent.
type hmm struct {
	k      int
	means  []float64
	std    float64
	trans  [][]float64
	counts [][]float64
	post   []float64
	fitted bool
}

func newHMM(k int, stay float64) *hmm {
	h := &hmm{k: k}
	h.trans = make([][]float64, k)
	h.counts = make([][]float64, k)
	off := 0.0
	if k > 1 {
		off = (1 - stay) / float64(k-1)
	}
	for i := range k {
		h.trans[i] = make([]float64, k)
		h.counts[i] = make([]float64, k)
		for j := range k {
			p := off
			if i == j {
				p = stay
			}
			h.trans[i][j] = p
			h.counts[i][j] = p * transitionPrior
		}
	}
	h.post = uniform(k)
	return h
}

// fit calibrates the emission model from history and warms the filter on it.
func (h *hmm) fit(y []float64) {
	s := stat.StdDev(y, nil)
	if math.IsNaN(s) || s <= 0 {
		s = 1e-6
	}
	h.std = s
	h.means = make([]float64, h.k)
	for i := range h.k {
		h.means[i] = -0.5*s + s*float64(i)/float64(h.k-1)
	}
	h.fitted = true
	h.post = uniform(h.k)
	for _, v := range y {
		h.step(v)
	}
}

// step runs one forward-filter update and folds the expected transitions into
// the transition estimate.
func (h *hmm) step(y float64) []float64 {
	if !h.fitted || math.IsNaN(y) || math.IsInf(y, 0) {
		return h.post
	}

	logB := make([]float64, h.k)
	for j := range h.k {
		logB[j] = distuv.Normal{Mu: h.means[j], Sigma: h.std}.LogProb(y)
	}
	top := floats.Max(logB)
	b := make([]float64, h.k)
	for j := range b {
		b[j] = math.Exp(logB[j] - top)
	}

	xi := make([][]float64, h.k)
	next := make([]float64, h.k)
	total := 0.0
	for i := range h.k {
		xi[i] = make([]float64, h.k)
		for j := range h.k {
			v := h.post[i] * h.trans[i][j] * b[j]
			xi[i][j] = v
			next[j] += v
			total += v
		}
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return h.post
	}

	for i := range h.k {
		for j := range h.k {
			h.counts[i][j] += xi[i][j] / total
		}
		rowSum := floats.Sum(h.counts[i])
		for j := range h.k {
			h.trans[i][j] = h.counts[i][j] / rowSum
		}
	}
	floats.Scale(1/total, next)
	h.post = next
	return h.post
}

func (h *hmm) transition() [][]float64 {
	out := make([][]float64, h.k)
	for i := range h.trans {
		out[i] = append([]float64(nil), h.trans[i]...)
	}
	return out
}

func uniform(k int) []float64 {
	p := make([]float64, k)
	for i := range p {
		p[i] = 1 / float64(k)
	}
	return p
}
