package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"
)

// KindMomentum is the registry kind of Momentum.
const KindMomentum = "momentum"

// Momentum is time-series momentum: the t-statistic of the mean log return
// over the lookback, scaled by t_scale.
type Momentum struct {
	lookback int
	tScale   float64
	logger   *slog.Logger
}

// NewMomentum creates an uninitialized Momentum provider.
func NewMomentum(logger *slog.Logger) *Momentum {
	return &Momentum{logger: logger}
}

// Name returns the provider kind.
func (m *Momentum) Name() string { return KindMomentum }

// Init reads "lookback" (default 50) and "t_scale" (default 2).
func (m *Momentum) Init(_ context.Context, cfg Config) error {
	var err error
	if m.lookback, err = cfg.Int("lookback", 50); err != nil {
		return err
	}
	if m.tScale, err = cfg.Float("t_scale", 2); err != nil {
		return err
	}
	if m.lookback < 3 || m.tScale <= 0 {
		return fmt.Errorf("momentum: lookback must be >= 3 and t_scale > 0")
	}
	return nil
}

// Signal returns the scaled t-statistic, or 0 until lookback returns exist.
func (m *Momentum) Signal(_ context.Context, w Window) (float64, error) {
	if w.Len() < m.lookback+1 {
		return 0, nil
	}
	r := w.Tail(m.lookback + 1).LogReturns()
	mean, sd := stat.MeanStdDev(r, nil)
	if sd == 0 {
		return 0, nil
	}
	t := mean / sd * math.Sqrt(float64(len(r)))
	return t / m.tScale, nil
}

// Close is a no-op.
func (m *Momentum) Close() error { return nil }
