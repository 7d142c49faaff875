package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// AllocationStore implements domain.AllocationStore using PostgreSQL.
type AllocationStore struct {
	db DB
}

// NewAllocationStore creates a new AllocationStore.
func NewAllocationStore(db DB) *AllocationStore {
	return &AllocationStore{db: db}
}

// Insert appends an allocation snapshot for instrument.
func (s *AllocationStore) Insert(ctx context.Context, instrument string, a domain.AllocationWeights) error {
	weights, err := json.Marshal(a.Weights)
	if err != nil {
		return fmt.Errorf("postgres: marshal weights: %w", err)
	}
	const query = `
		INSERT INTO allocations (instrument, regime, weights, budget, blended, no_eligible, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`
	_, err = s.db.Exec(ctx, query,
		instrument, a.Regime, weights, a.Budget, a.Blended, a.NoEligible, nullTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert allocation %s: %w", instrument, err)
	}
	return nil
}

// List returns the allocation history of instrument, newest first.
func (s *AllocationStore) List(ctx context.Context, instrument string, opts domain.ListOpts) ([]domain.AllocationRecord, error) {
	q := newListQuery(`SELECT id, instrument, regime, weights, budget, created_at FROM allocations`)
	if instrument != "" {
		q.where("instrument = ?", instrument)
	}
	q.window("created_at", opts)

	rows, err := s.db.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list allocations: %w", err)
	}
	defer rows.Close()

	var out []domain.AllocationRecord
	for rows.Next() {
		var r domain.AllocationRecord
		var weights []byte
		if err := rows.Scan(&r.ID, &r.Instrument, &r.Regime, &weights, &r.Budget, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan allocation: %w", err)
		}
		if err := json.Unmarshal(weights, &r.Weights); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal weights: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list allocations rows: %w", err)
	}
	return out, nil
}
