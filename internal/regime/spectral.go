package regime

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

const psdFloor = 1e-10

// spectralSlope estimates alpha in PSD ~ f^-alpha for x using Welch's method
// with a Hann window, constant detrending and 50% segment overlap. ok is false
// when fewer than three positive frequencies are available.
func spectralSlope(x []float64, maxSegment int) (alpha float64, ok bool) {
	n := len(x)
	seg := min(n, maxSegment)
	if seg < 8 {
		return 0, false
	}
	step := max(seg/2, 1)

	window := hann(seg)
	fft := fourier.NewFFT(seg)
	psd := make([]float64, seg/2+1)
	buf := make([]float64, seg)
	coeffs := make([]complex128, seg/2+1)

	segments := 0
	for start := 0; start+seg <= n; start += step {
		chunk := x[start : start+seg]
		mean := stat.Mean(chunk, nil)
		for i, v := range chunk {
			buf[i] = (v - mean) * window[i]
		}
		coeffs = fft.Coefficients(coeffs, buf)
		for k, c := range coeffs {
			re, im := real(c), imag(c)
			psd[k] += re*re + im*im
		}
		segments++
	}
	if segments == 0 {
		return 0, false
	}

	logF := make([]float64, 0, len(psd))
	logP := make([]float64, 0, len(psd))
	for k := 1; k < len(psd); k++ {
		p := psd[k] / float64(segments)
		logF = append(logF, math.Log10(float64(k)/float64(seg)))
		logP = append(logP, math.Log10(p+psdFloor))
	}
	if len(logF) < 3 {
		return 0, false
	}

	_, slope := stat.LinearRegression(logF, logP, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0, false
	}
	return -slope, true
}

// hann returns the periodic Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

// classify maps alpha onto a regime index using ascending thresholds.
func classify(alpha float64, thresholds []float64) int {
	for i, t := range thresholds {
		if alpha < t {
			return i
		}
	}
	return len(thresholds)
}
