package sizing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

func readyRegime() domain.RegimeState {
	return domain.RegimeState{Regimes: []string{"a", "b"}, Probabilities: []float64{0.5, 0.5}}
}

func TestSizeBoundedForAnySignal(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	max := s.Config().MaxPositionPct

	signals := []float64{
		math.NaN(), math.Inf(1), math.Inf(-1), 0, 1e-9, -1e-9, 0.05, -0.05,
		0.3, -0.3, 1, -1, 5, -5, 1e6, -1e6, math.MaxFloat64, -math.MaxFloat64,
	}
	weights := []float64{0, 0.1, 0.5, 1, 2, math.NaN(), -1}
	for _, sig := range signals {
		for _, w := range weights {
			d := s.Size(Input{Signal: sig, Weight: w, Regime: readyRegime(), KellyScale: 1})
			assert.GreaterOrEqual(t, d.Size, 0.0)
			assert.LessOrEqual(t, d.Size, max)
			assert.False(t, math.IsNaN(d.Size))
		}
	}
}

func TestNonFiniteSignalIsFlat(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)

	for _, sig := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		d := s.Size(Input{Signal: sig, Weight: 1})
		assert.True(t, d.Flat())
		assert.Zero(t, d.Size)
		assert.Equal(t, FlatNoSignal, d.Reason)
	}
}

func TestFlatConditions(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)

	notReady := readyRegime()
	notReady.NotReady = true

	tests := []struct {
		name   string
		in     Input
		reason FlatReason
	}{
		{"deadband", Input{Signal: 0.01, Weight: 1}, FlatDeadband},
		{"zero weight", Input{Signal: 1, Weight: 0}, FlatZeroWeight},
		{"regime required", Input{Signal: 1, Weight: 1, RequireRegime: true, Regime: notReady}, FlatNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := s.Size(tt.in)
			assert.True(t, d.Flat())
			assert.Equal(t, tt.reason, d.Reason)
		})
	}

	d := s.Size(Input{Signal: 1, Weight: 1, Regime: notReady})
	assert.False(t, d.Flat(), "regime confirmation is opt-in")
}

func TestPipelineOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Steepness = 2
	cfg.Exponent = 0.5
	cfg.RiskPerPosition = 0.2
	cfg.MaxPositionPct = 1
	s, err := New(cfg)
	require.NoError(t, err)

	d := s.Size(Input{Signal: -0.4, Weight: 0.5})
	want := math.Sqrt(math.Abs(math.Tanh(2*-0.4))) * 0.5 * 0.2
	assert.Equal(t, domain.SideShort, d.Side)
	assert.InDelta(t, want, d.Size, 1e-12)
	assert.InDelta(t, math.Tanh(-0.8), d.Bounded, 1e-12)
}

func TestPowerLawIsSublinear(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionPct = 1
	s, err := New(cfg)
	require.NoError(t, err)

	small := s.Size(Input{Signal: 0.1, Weight: 1}).Size
	large := s.Size(Input{Signal: 0.4, Weight: 1}).Size
	assert.Less(t, large/small, 0.4/0.1)
	assert.Greater(t, large, small)
}

func TestSizeClampedToMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiskPerPosition = 1
	cfg.MaxPositionPct = 0.05
	s, err := New(cfg)
	require.NoError(t, err)

	d := s.Size(Input{Signal: 10, Weight: 1})
	assert.Equal(t, 0.05, d.Size)
	assert.Equal(t, domain.SideLong, d.Side)
}

func TestDerateScalesAndBlocks(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)

	full := s.Size(Input{Signal: 0.3, Weight: 1})
	half := s.Size(Input{Signal: 0.3, Weight: 1, Derate: 0.5})
	require.False(t, full.Flat())
	assert.InDelta(t, full.Size/2, half.Size, 1e-12)
	assert.Equal(t, full.Side, half.Side)

	blocked := s.Size(Input{Signal: 0.3, Weight: 1, Derate: 1})
	assert.True(t, blocked.Flat())
	assert.Equal(t, FlatDrawdown, blocked.Reason)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exponent = 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Kelly.Enabled = true
	cfg.Kelly.MinHistory = 30 * 24 * time.Hour
	assert.Error(t, cfg.Validate())
}

func dailyHistory(days int, mu, amp float64) []PortfolioReturn {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]PortfolioReturn, days)
	for i := range out {
		r := mu + amp
		if i%2 == 1 {
			r = mu - amp
		}
		out[i] = PortfolioReturn{Time: start.AddDate(0, 0, i), Return: r}
	}
	return out
}

func TestPortfolioKelly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kelly.Enabled = true
	s, err := New(cfg)
	require.NoError(t, err)

	short := s.PortfolioKelly(dailyHistory(200, 0.001, 0.01))
	assert.False(t, short.Eligible)
	assert.Equal(t, 1.0, short.Scale)

	long := s.PortfolioKelly(dailyHistory(400, 0.001, 0.01))
	require.True(t, long.Eligible)
	assert.Greater(t, long.Scale, 0.0)
	assert.LessOrEqual(t, long.Scale, 1.0)

	losing := s.PortfolioKelly(dailyHistory(400, -0.001, 0.01))
	assert.False(t, losing.Eligible)

	disabled, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, KellyScale{Scale: 1, Reason: "disabled"}, disabled.PortfolioKelly(dailyHistory(400, 0.001, 0.01)))
}
