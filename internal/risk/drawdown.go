package risk

import (
	"errors"
	"time"
)

// DrawdownLevel is the graduated state of the portfolio drawdown breaker.
type DrawdownLevel string

const (
	DrawdownNormal   DrawdownLevel = "normal"
	DrawdownWarning  DrawdownLevel = "warning"
	DrawdownReducing DrawdownLevel = "reducing"
	DrawdownHalted   DrawdownLevel = "halted"
)

// DrawdownConfig holds the breaker thresholds, all as fractions of equity.
type DrawdownConfig struct {
	// WarningPct, ReducingPct and HaltPct are drawdowns from the high-water
	// mark. HaltPct of 0 disables the breaker.
	WarningPct  float64
	ReducingPct float64
	HaltPct     float64
	// RecoveryPct is the drawdown at or below which warning and reducing
	// return to normal. A halt only clears on Reset.
	RecoveryPct float64
	// Size multipliers applied in the warning and reducing levels.
	WarningMultiplier  float64
	ReducingMultiplier float64
	// DailyLossPct blocks entries for the rest of the UTC day once equity
	// falls this far below the day's opening equity. Zero disables it.
	DailyLossPct float64
}

// DefaultDrawdownConfig returns 10/15/20% levels with a 5% recovery point
// and a 3% daily loss limit.
func DefaultDrawdownConfig() DrawdownConfig {
	return DrawdownConfig{
		WarningPct:         0.10,
		ReducingPct:        0.15,
		HaltPct:            0.20,
		RecoveryPct:        0.05,
		WarningMultiplier:  0.5,
		ReducingMultiplier: 0,
		DailyLossPct:       0.03,
	}
}

// Validate checks the thresholds.
func (c DrawdownConfig) Validate() error {
	switch {
	case c.HaltPct == 0 && c.DailyLossPct == 0:
		return nil
	case c.HaltPct < 0 || c.HaltPct >= 1:
		return errors.New("risk: drawdown halt pct must be in [0, 1)")
	case c.HaltPct > 0 && !(0 < c.WarningPct && c.WarningPct <= c.ReducingPct && c.ReducingPct <= c.HaltPct):
		return errors.New("risk: drawdown levels must satisfy 0 < warning <= reducing <= halt")
	case c.RecoveryPct < 0 || (c.HaltPct > 0 && c.RecoveryPct >= c.WarningPct):
		return errors.New("risk: drawdown recovery pct must be in [0, warning)")
	case c.WarningMultiplier < 0 || c.WarningMultiplier > 1 || c.ReducingMultiplier < 0 || c.ReducingMultiplier > 1:
		return errors.New("risk: drawdown multipliers must be in [0, 1]")
	case c.DailyLossPct < 0 || c.DailyLossPct >= 1:
		return errors.New("risk: daily loss pct must be in [0, 1)")
	}
	return nil
}

// DrawdownStatus is a point-in-time view of the breaker.
type DrawdownStatus struct {
	Level       DrawdownLevel `json:"level"`
	Peak        float64       `json:"peak"`
	Equity      float64       `json:"equity"`
	Drawdown    float64       `json:"drawdown"`
	DailyLoss   float64       `json:"daily_loss"`
	DailyLimit  bool          `json:"daily_limit"`
	Multiplier  float64       `json:"multiplier"`
	LastUpdated time.Time     `json:"last_updated"`
}

// Drawdown tracks the equity high-water mark of one instrument's book and
// derives a size multiplier from the drawdown. It is owned by the
// controller goroutine and is not safe for concurrent use.
type Drawdown struct {
	cfg DrawdownConfig

	level     DrawdownLevel
	peak      float64
	equity    float64
	day       time.Time
	dayOpen   float64
	dailyHit  bool
	updatedAt time.Time
}

// NewDrawdown creates a breaker whose high-water mark starts at equity.
func NewDrawdown(cfg DrawdownConfig, equity float64) (*Drawdown, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !(equity > 0) {
		return nil, errors.New("risk: drawdown needs positive starting equity")
	}
	return &Drawdown{
		cfg:     cfg,
		level:   DrawdownNormal,
		peak:    equity,
		equity:  equity,
		dayOpen: equity,
	}, nil
}

// Update marks equity at time at and reports whether the level or the
// daily limit changed.
func (d *Drawdown) Update(equity float64, at time.Time) bool {
	if !(equity > 0) {
		equity = 0
	}
	prevLevel, prevDaily := d.level, d.dailyHit

	day := at.UTC().Truncate(24 * time.Hour)
	if day.After(d.day) {
		if !d.day.IsZero() {
			d.dayOpen = d.equity
		}
		d.day = day
		d.dailyHit = false
	}

	d.equity = equity
	d.updatedAt = at
	if equity > d.peak {
		d.peak = equity
	}

	if d.cfg.HaltPct > 0 {
		dd := d.drawdown()
		switch {
		case dd >= d.cfg.HaltPct:
			d.level = DrawdownHalted
		case d.level == DrawdownHalted:
		case dd >= d.cfg.ReducingPct:
			d.level = DrawdownReducing
		case dd >= d.cfg.WarningPct:
			d.level = DrawdownWarning
		case dd <= d.cfg.RecoveryPct:
			d.level = DrawdownNormal
		}
	}
	if d.cfg.DailyLossPct > 0 && d.dailyLoss() >= d.cfg.DailyLossPct {
		d.dailyHit = true
	}
	return d.level != prevLevel || d.dailyHit != prevDaily
}

// Multiplier returns the fraction of the normal size new entries may take.
func (d *Drawdown) Multiplier() float64 {
	if d.dailyHit {
		return 0
	}
	switch d.level {
	case DrawdownWarning:
		return d.cfg.WarningMultiplier
	case DrawdownReducing:
		return d.cfg.ReducingMultiplier
	case DrawdownHalted:
		return 0
	}
	return 1
}

// Level returns the breaker level.
func (d *Drawdown) Level() DrawdownLevel {
	return d.level
}

// DailyLimitHit reports whether the daily loss limit blocks entries today.
func (d *Drawdown) DailyLimitHit() bool {
	return d.dailyHit
}

// Reset clears a halt after operator review. The high-water mark restarts
// at the current equity so the same loss does not halt again at once.
func (d *Drawdown) Reset() {
	if d.level != DrawdownHalted {
		return
	}
	d.level = DrawdownNormal
	d.peak = d.equity
}

// Status returns the current view.
func (d *Drawdown) Status() DrawdownStatus {
	return DrawdownStatus{
		Level:       d.level,
		Peak:        d.peak,
		Equity:      d.equity,
		Drawdown:    d.drawdown(),
		DailyLoss:   d.dailyLoss(),
		DailyLimit:  d.dailyHit,
		Multiplier:  d.Multiplier(),
		LastUpdated: d.updatedAt,
	}
}

func (d *Drawdown) drawdown() float64 {
	if d.peak <= 0 {
		return 0
	}
	return (d.peak - d.equity) / d.peak
}

func (d *Drawdown) dailyLoss() float64 {
	if d.dayOpen <= 0 || d.equity >= d.dayOpen {
		return 0
	}
	return (d.dayOpen - d.equity) / d.dayOpen
}
