package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// StrategyState is the persisted registry row of a strategy on an instrument.
type StrategyState struct {
	Instrument string
	StrategyID string
	Kind       string
	Demoted    bool
	UpdatedAt  time.Time
}

// StrategyStore persists the strategy registry. Rows are never deleted.
type StrategyStore interface {
	Upsert(ctx context.Context, s StrategyState) error
	SetDemoted(ctx context.Context, instrument, strategyID string, demoted bool) error
	List(ctx context.Context, instrument string) ([]StrategyState, error)
}

// OutcomeStore persists realized trade outcomes.
type OutcomeStore interface {
	Insert(ctx context.Context, o TradeOutcome) error
	ListByStrategy(ctx context.Context, instrument, strategyID string) ([]TradeOutcome, error)
	ListRecent(ctx context.Context, instrument string, opts ListOpts) ([]TradeOutcome, error)
}

// PositionStore persists positions. Closed rows are archived, never deleted.
type PositionStore interface {
	Save(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context, instrument string) ([]Position, error)
	ListClosed(ctx context.Context, instrument string, opts ListOpts) ([]Position, error)
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]Position, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// AllocationRecord is one persisted allocation snapshot.
type AllocationRecord struct {
	ID         int64
	Instrument string
	Regime     string
	Weights    map[string]float64
	Budget     float64
	CreatedAt  time.Time
}

// AllocationStore persists allocation history.
type AllocationStore interface {
	Insert(ctx context.Context, instrument string, a AllocationWeights) error
	List(ctx context.Context, instrument string, opts ListOpts) ([]AllocationRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, eventPrefix string, opts ListOpts) ([]AuditEntry, error)
}
