package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL. Rows are
// keyed by (instrument, strategy_id) and never deleted.
type StrategyStore struct {
	db DB
}

// NewStrategyStore creates a new StrategyStore.
func NewStrategyStore(db DB) *StrategyStore {
	return &StrategyStore{db: db}
}

// Upsert registers a strategy. An existing row keeps its demotion flag.
func (s *StrategyStore) Upsert(ctx context.Context, st domain.StrategyState) error {
	const query = `
		INSERT INTO strategies (instrument, strategy_id, kind, demoted, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (instrument, strategy_id)
		DO UPDATE SET kind = EXCLUDED.kind, updated_at = NOW()`
	if _, err := s.db.Exec(ctx, query, st.Instrument, st.StrategyID, st.Kind, st.Demoted); err != nil {
		return fmt.Errorf("postgres: upsert strategy %s/%s: %w", st.Instrument, st.StrategyID, err)
	}
	return nil
}

// SetDemoted updates the demotion flag.
func (s *StrategyStore) SetDemoted(ctx context.Context, instrument, strategyID string, demoted bool) error {
	const query = `
		UPDATE strategies SET demoted = $3, updated_at = NOW()
		WHERE instrument = $1 AND strategy_id = $2`
	tag, err := s.db.Exec(ctx, query, instrument, strategyID, demoted)
	if err != nil {
		return fmt.Errorf("postgres: set demoted %s/%s: %w", instrument, strategyID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: strategy %s/%s: %w", instrument, strategyID, domain.ErrNotFound)
	}
	return nil
}

// List returns every strategy registered on instrument, or on all
// instruments when instrument is empty.
func (s *StrategyStore) List(ctx context.Context, instrument string) ([]domain.StrategyState, error) {
	query := `SELECT instrument, strategy_id, kind, demoted, updated_at FROM strategies`
	var args []any
	if instrument != "" {
		query += ` WHERE instrument = $1`
		args = append(args, instrument)
	}
	query += ` ORDER BY instrument, strategy_id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyState
	for rows.Next() {
		var st domain.StrategyState
		if err := rows.Scan(&st.Instrument, &st.StrategyID, &st.Kind, &st.Demoted, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies rows: %w", err)
	}
	return out, nil
}
