package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"
)

// KindVolatilityReversal is the registry kind of VolatilityReversal.
const KindVolatilityReversal = "volatility_reversal"

// VolatilityReversal fades sharp dislocations. A bar whose low falls at least
// drop_threshold below the trailing average and closes off the low gives a
// long signal of drop/drop_threshold; a spike that closes off the high gives
// the mirrored short signal.
type VolatilityReversal struct {
	lookback  int
	threshold float64
	logger    *slog.Logger
}

// NewVolatilityReversal creates an uninitialized VolatilityReversal provider.
func NewVolatilityReversal(logger *slog.Logger) *VolatilityReversal {
	return &VolatilityReversal{logger: logger}
}

// Name returns the provider kind.
func (v *VolatilityReversal) Name() string { return KindVolatilityReversal }

// Init reads "lookback" (default 30) and "drop_threshold" (default 0.05).
func (v *VolatilityReversal) Init(_ context.Context, cfg Config) error {
	var err error
	if v.lookback, err = cfg.Int("lookback", 30); err != nil {
		return err
	}
	if v.threshold, err = cfg.Float("drop_threshold", 0.05); err != nil {
		return err
	}
	if v.lookback < 2 || v.threshold <= 0 {
		return fmt.Errorf("volatility_reversal: lookback must be >= 2 and drop_threshold > 0")
	}
	return nil
}

// Signal returns the reversal signal of the last bar.
func (v *VolatilityReversal) Signal(ctx context.Context, w Window) (float64, error) {
	if w.Len() < v.lookback+1 {
		return 0, nil
	}
	tail := w.Tail(v.lookback + 1)
	prior := tail.Closes()[:v.lookback]
	avg := stat.Mean(prior, nil)
	if avg <= 0 {
		return 0, nil
	}
	last := tail.Last()
	low, high := last.Range()

	var long, short float64
	if drop := (avg - low) / avg; drop >= v.threshold && last.Close > low {
		long = drop / v.threshold
	}
	if spike := (high - avg) / avg; spike >= v.threshold && last.Close < high {
		short = spike / v.threshold
	}
	switch {
	case long == 0 && short == 0:
		return 0, nil
	case long >= short:
		v.logger.DebugContext(ctx, "dislocation below average",
			slog.Float64("avg", avg),
			slog.Float64("low", low),
			slog.Float64("close", last.Close),
		)
		return long, nil
	default:
		v.logger.DebugContext(ctx, "dislocation above average",
			slog.Float64("avg", avg),
			slog.Float64("high", high),
			slog.Float64("close", last.Close),
		)
		return -short, nil
	}
}

// Close is a no-op.
func (v *VolatilityReversal) Close() error { return nil }
