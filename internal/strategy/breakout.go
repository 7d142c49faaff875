package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// KindBreakout is the registry kind of Breakout.
const KindBreakout = "breakout"

// Breakout reports where the last close sits in the prior high/low channel:
// -1 at the channel low, +1 at the high, beyond ±1 outside it.
type Breakout struct {
	lookback int
	logger   *slog.Logger
}

// NewBreakout creates an uninitialized Breakout provider.
func NewBreakout(logger *slog.Logger) *Breakout {
	return &Breakout{logger: logger}
}

// Name returns the provider kind.
func (b *Breakout) Name() string { return KindBreakout }

// Init reads "lookback" (default 20), the channel length.
func (b *Breakout) Init(_ context.Context, cfg Config) error {
	var err error
	if b.lookback, err = cfg.Int("lookback", 20); err != nil {
		return err
	}
	if b.lookback < 2 {
		return fmt.Errorf("breakout: lookback must be >= 2")
	}
	return nil
}

// Signal returns the channel position of the last close.
func (b *Breakout) Signal(_ context.Context, w Window) (float64, error) {
	if w.Len() < b.lookback+1 {
		return 0, nil
	}
	bars := w.Tail(b.lookback + 1).Bars
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, bar := range bars[:len(bars)-1] {
		l, h := bar.Range()
		hi = math.Max(hi, h)
		lo = math.Min(lo, l)
	}
	width := hi - lo
	if !(width > 0) {
		return 0, nil
	}
	pos := (bars[len(bars)-1].Close - lo) / width
	return 2*pos - 1, nil
}

// Close is a no-op.
func (b *Breakout) Close() error { return nil }
