package executor

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// PositionLister exposes the open positions of an instrument.
type PositionLister interface {
	Positions() []domain.Position
}

// Limits is a pre-trade check on the number of open positions and on gross
// exposure as a fraction of equity. Zero disables a limit.
type Limits struct {
	MaxOpenPositions int
	MaxGrossExposure float64
	positions        PositionLister
}

// NewLimits creates a Limits check over positions.
func NewLimits(maxOpen int, maxGross float64, positions PositionLister) *Limits {
	return &Limits{
		MaxOpenPositions: maxOpen,
		MaxGrossExposure: maxGross,
		positions:        positions,
	}
}

// PreTradeCheck implements RiskChecker.
func (l *Limits) PreTradeCheck(_ context.Context, intent domain.TradeIntent) error {
	open := l.positions.Positions()
	if l.MaxOpenPositions > 0 && len(open) >= l.MaxOpenPositions {
		return fmt.Errorf("executor: open positions %d/%d: %w", len(open), l.MaxOpenPositions, domain.ErrRiskLimit)
	}
	if l.MaxGrossExposure > 0 {
		gross := intent.Size
		for _, p := range open {
			gross += p.Size
		}
		if gross > l.MaxGrossExposure+1e-12 {
			return fmt.Errorf("executor: gross exposure %.4f exceeds %.4f: %w", gross, l.MaxGrossExposure, domain.ErrRiskLimit)
		}
	}
	return nil
}
