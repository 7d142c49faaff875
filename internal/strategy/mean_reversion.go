package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat"
)

// KindMeanReversion is the registry kind of MeanReversion.
const KindMeanReversion = "mean_reversion"

// MeanReversion signals against the z-score of the last close relative to the
// trailing mean. Params:
//
//   - "lookback" (int): bars in the mean and deviation. Default 20.
//   - "z_scale" (float): z-score that maps to a unit signal. Default 2.
type MeanReversion struct {
	lookback int
	zScale   float64
	logger   *slog.Logger
}

// NewMeanReversion creates an uninitialized MeanReversion provider.
func NewMeanReversion(logger *slog.Logger) *MeanReversion {
	return &MeanReversion{logger: logger}
}

// Name returns the provider kind.
func (mr *MeanReversion) Name() string { return KindMeanReversion }

// Init reads the parameters.
func (mr *MeanReversion) Init(_ context.Context, cfg Config) error {
	var err error
	if mr.lookback, err = cfg.Int("lookback", 20); err != nil {
		return err
	}
	if mr.zScale, err = cfg.Float("z_scale", 2); err != nil {
		return err
	}
	if mr.lookback < 3 || mr.zScale <= 0 {
		return fmt.Errorf("mean_reversion: lookback must be >= 3 and z_scale > 0")
	}
	return nil
}

// Signal returns -z/z_scale, or 0 until lookback bars are available.
func (mr *MeanReversion) Signal(_ context.Context, w Window) (float64, error) {
	if w.Len() < mr.lookback {
		return 0, nil
	}
	closes := w.Tail(mr.lookback).Closes()
	mean, sd := stat.MeanStdDev(closes, nil)
	if sd == 0 {
		return 0, nil
	}
	z := (closes[len(closes)-1] - mean) / sd
	return -z / mr.zScale, nil
}

// Close is a no-op.
func (mr *MeanReversion) Close() error { return nil }
