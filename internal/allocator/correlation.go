package allocator

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// clusters groups eligible strategies whose pairwise return correlation over
// the window exceeds the threshold. Groups are merged transitively and each
// group occupies a single allocation slot.
func (a *Allocator) clusters(eligible []string) [][]string {
	parent := make(map[string]string, len(eligible))
	for _, id := range eligible {
		parent[id] = id
	}
	var find func(string) string
	find = func(id string) string {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}

	for i := 0; i < len(eligible); i++ {
		for j := i + 1; j < len(eligible); j++ {
			c, ok := a.correlation(eligible[i], eligible[j])
			if ok && c > a.cfg.CorrelationThreshold {
				ri, rj := find(eligible[i]), find(eligible[j])
				if ri != rj {
					parent[rj] = ri
				}
			}
		}
	}

	groups := make(map[string][]string)
	for _, id := range eligible {
		root := find(id)
		groups[root] = append(groups[root], id)
	}
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		sort.Strings(g)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// correlation returns the Pearson correlation of two strategies over rounds
// in which both reported. ok is false below the minimum overlap or for a
// zero-variance series.
func (a *Allocator) correlation(x, y string) (float64, bool) {
	var xs, ys []float64
	for _, r := range a.window {
		rx, okx := r.returns[x]
		ry, oky := r.returns[y]
		if okx && oky {
			xs = append(xs, rx)
			ys = append(ys, ry)
		}
	}
	if len(xs) < a.cfg.MinOverlap || len(xs) < 3 {
		return 0, false
	}
	c := stat.Correlation(xs, ys, nil)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0, false
	}
	return c, true
}

// Correlations returns every defined pairwise correlation among registered
// strategies, keyed "a|b" with a < b.
func (a *Allocator) Correlations() map[string]float64 {
	out := make(map[string]float64)
	for i := 0; i < len(a.ids); i++ {
		for j := i + 1; j < len(a.ids); j++ {
			if c, ok := a.correlation(a.ids[i], a.ids[j]); ok {
				out[a.ids[i]+"|"+a.ids[j]] = c
			}
		}
	}
	return out
}
