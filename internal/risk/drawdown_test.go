package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawdownConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultDrawdownConfig().Validate())
	assert.NoError(t, DrawdownConfig{}.Validate())

	bad := DefaultDrawdownConfig()
	bad.ReducingPct = 0.25
	assert.Error(t, bad.Validate())

	bad = DefaultDrawdownConfig()
	bad.RecoveryPct = 0.10
	assert.Error(t, bad.Validate())

	bad = DefaultDrawdownConfig()
	bad.WarningMultiplier = 1.5
	assert.Error(t, bad.Validate())
}

func TestDrawdownLevels(t *testing.T) {
	cfg := DefaultDrawdownConfig()
	cfg.DailyLossPct = 0
	d, err := NewDrawdown(cfg, 1000)
	require.NoError(t, err)
	at := t0

	steps := []struct {
		equity float64
		level  DrawdownLevel
		mult   float64
	}{
		{1100, DrawdownNormal, 1},   // new peak
		{1000, DrawdownNormal, 1},   // 9.1%
		{985, DrawdownWarning, 0.5}, // 10.5%
		{1000, DrawdownWarning, 0.5},
		{930, DrawdownReducing, 0},  // 15.5%
		{985, DrawdownWarning, 0.5}, // back under the reducing level
		{1050, DrawdownNormal, 1},   // 4.5%, recovered
		{870, DrawdownHalted, 0},    // 20.9%
		{1100, DrawdownHalted, 0},   // halt is sticky
	}
	for i, s := range steps {
		at = at.Add(time.Minute)
		d.Update(s.equity, at)
		assert.Equal(t, s.level, d.Level(), "step %d", i)
		assert.InDelta(t, s.mult, d.Multiplier(), 1e-12, "step %d", i)
	}

	d.Reset()
	assert.Equal(t, DrawdownNormal, d.Level())
	st := d.Status()
	assert.InDelta(t, 1100, st.Peak, 1e-9)
	assert.Zero(t, st.Drawdown)
}

func TestDrawdownUpdateReportsChanges(t *testing.T) {
	d, err := NewDrawdown(DefaultDrawdownConfig(), 1000)
	require.NoError(t, err)
	assert.False(t, d.Update(1000, t0))
	assert.False(t, d.Update(1010, t0.Add(time.Minute)))
	assert.True(t, d.Update(890, t0.Add(2*time.Minute)))
	assert.False(t, d.Update(891, t0.Add(3*time.Minute)))
}

func TestDailyLossLimitResetsNextDay(t *testing.T) {
	cfg := DefaultDrawdownConfig()
	d, err := NewDrawdown(cfg, 1000)
	require.NoError(t, err)

	d.Update(1000, t0)
	d.Update(975, t0.Add(time.Hour))
	assert.False(t, d.DailyLimitHit())
	assert.True(t, d.Update(969, t0.Add(2*time.Hour)))
	assert.True(t, d.DailyLimitHit())
	assert.Zero(t, d.Multiplier())
	assert.Equal(t, DrawdownNormal, d.Level())

	// Recovering intraday does not lift the limit.
	d.Update(1000, t0.Add(3*time.Hour))
	assert.True(t, d.DailyLimitHit())

	// The next UTC day opens at the last equity.
	next := t0.Add(24 * time.Hour)
	d.Update(1000, next)
	assert.False(t, d.DailyLimitHit())
	assert.InDelta(t, 1, d.Multiplier(), 1e-12)
	d.Update(975, next.Add(time.Hour))
	assert.False(t, d.DailyLimitHit())
}
