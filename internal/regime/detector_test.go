package regime

import (
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinHistory = 200
	cfg.SpectralWindow = 128
	cfg.StaleAfter = 5 * time.Minute
	return cfg
}

// ar1Bars builds a price path whose log returns follow an AR(1) process.
func ar1Bars(n int, phi float64, seed uint64) []domain.Bar {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, 0, n)
	price, prev := 100.0, 0.0
	for i := range n {
		r := phi*prev + 0.001*rng.NormFloat64()
		prev = r
		price *= math.Exp(r)
		bars = append(bars, domain.Bar{
			Instrument: "BTC-USD",
			Time:       start.Add(time.Duration(i) * time.Minute),
			Open:       price,
			High:       price,
			Low:        price,
			Close:      price,
		})
	}
	return bars
}

func sum(p []float64) float64 {
	s := 0.0
	for _, v := range p {
		s += v
	}
	return s
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"too many regimes", func(c *Config) { c.Regimes = []string{"a", "b", "c", "d"}; c.SpectralThresholds = []float64{1, 2, 3} }},
		{"threshold count", func(c *Config) { c.SpectralThresholds = []float64{1} }},
		{"descending thresholds", func(c *Config) { c.SpectralThresholds = []float64{1.5, 0.5} }},
		{"zero weights", func(c *Config) { c.HMMWeight, c.SpectralWeight = 0, 0 }},
		{"stay prob", func(c *Config) { c.HMMStayProb = 1 }},
		{"short window", func(c *Config) { c.SpectralWindow = 16 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestDetectorNotReadyEmitsUniform(t *testing.T) {
	d, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	for _, bar := range ar1Bars(50, 0, 1) {
		st, err := d.Update(bar)
		require.NoError(t, err)
		assert.True(t, st.NotReady)
		assert.False(t, st.Ready())
		for _, p := range st.Probabilities {
			assert.InDelta(t, 1.0/3, p, 1e-12)
		}
	}
}

func TestDetectorProbabilitiesSumToOne(t *testing.T) {
	d, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	ready := false
	for _, bar := range ar1Bars(600, 0.2, 7) {
		st, err := d.Update(bar)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sum(st.Probabilities), 1e-6)
		for _, row := range st.Transition {
			assert.InDelta(t, 1.0, sum(row), 1e-6)
		}
		assert.Len(t, st.Probabilities, 3)
		ready = ready || st.Ready()
	}
	assert.True(t, ready, "detector never initialized")
}

func TestDetectorIdentifiesMeanReversion(t *testing.T) {
	d, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	var last domain.RegimeState
	for _, bar := range ar1Bars(800, -0.8, 11) {
		last, err = d.Update(bar)
		require.NoError(t, err)
	}
	require.True(t, last.Ready())
	_, name := last.Dominant()
	assert.Equal(t, "mean_reverting", name)
}

func TestDetectorHMMIdentifiesTrend(t *testing.T) {
	cfg := testConfig()
	cfg.SpectralWeight = 0
	d, err := New(cfg, testLogger())
	require.NoError(t, err)

	bars := ar1Bars(900, 0.9, 3)
	avg := make([]float64, 3)
	for i, bar := range bars {
		st, err := d.Update(bar)
		require.NoError(t, err)
		if i >= len(bars)-100 {
			for j, p := range st.Probabilities {
				avg[j] += p
			}
		}
	}
	assert.Greater(t, avg[2], avg[1])
	assert.Greater(t, avg[2], avg[0])
}

func TestDetectorGapMarksStale(t *testing.T) {
	d, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	bars := ar1Bars(400, 0, 5)
	var before domain.RegimeState
	for _, bar := range bars {
		before, err = d.Update(bar)
		require.NoError(t, err)
	}
	require.True(t, before.Ready())

	gap := bars[len(bars)-1]
	gap.Time = gap.Time.Add(time.Hour)
	st, err := d.Update(gap)
	require.NoError(t, err)
	assert.True(t, st.Stale)
	assert.Equal(t, before.Probabilities, st.Probabilities)

	next := gap
	next.Time = next.Time.Add(time.Minute)
	next.Close *= 1.001
	st, err = d.Update(next)
	require.NoError(t, err)
	assert.False(t, st.Stale)
}

func TestDetectorInvalidBarsDoNotFail(t *testing.T) {
	d, err := New(testConfig(), testLogger())
	require.NoError(t, err)

	bars := ar1Bars(10, 0, 9)
	for _, bar := range bars {
		_, err := d.Update(bar)
		require.NoError(t, err)
	}

	bad := bars[len(bars)-1]
	bad.Time = bad.Time.Add(time.Minute)
	bad.Close = math.NaN()
	st, err := d.Update(bad)
	require.NoError(t, err)
	assert.True(t, st.Stale)

	back := bars[len(bars)-1]
	st, err = d.Update(back)
	require.NoError(t, err)
	assert.True(t, st.Stale, "non-monotonic timestamp must be stale")
}

func TestSpectralSlope(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 43))
	white := make([]float64, 1024)
	brown := make([]float64, 1024)
	acc := 0.0
	for i := range white {
		white[i] = rng.NormFloat64()
		acc += rng.NormFloat64()
		brown[i] = acc
	}

	a, ok := spectralSlope(white, 64)
	require.True(t, ok)
	assert.Less(t, math.Abs(a), 0.5)

	a, ok = spectralSlope(brown, 64)
	require.True(t, ok)
	assert.Greater(t, a, 1.5)

	_, ok = spectralSlope(white[:4], 64)
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	th := []float64{0.5, 1.5}
	assert.Equal(t, 0, classify(-0.3, th))
	assert.Equal(t, 1, classify(0.5, th))
	assert.Equal(t, 1, classify(1.2, th))
	assert.Equal(t, 2, classify(2.0, th))
}
