package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// OutcomeStore implements domain.OutcomeStore using PostgreSQL.
type OutcomeStore struct {
	db DB
}

// NewOutcomeStore creates a new OutcomeStore.
func NewOutcomeStore(db DB) *OutcomeStore {
	return &OutcomeStore{db: db}
}

const outcomeSelectCols = `position_id, instrument, strategy_id, side, size,
	entry_price, exit_price, entry_time, exit_time, barrier, return_pct, shadow`

// Insert records a closed trade. Inserting the same position twice is a no-op.
func (s *OutcomeStore) Insert(ctx context.Context, o domain.TradeOutcome) error {
	const query = `
		INSERT INTO trade_outcomes (` + outcomeSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (position_id) DO NOTHING`
	_, err := s.db.Exec(ctx, query,
		o.PositionID, o.Instrument, o.StrategyID, string(o.Side), o.Size,
		o.EntryPrice, o.ExitPrice, o.EntryTime, o.ExitTime, string(o.Barrier), o.ReturnPct, o.Shadow,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert outcome %s: %w", o.PositionID, err)
	}
	return nil
}

// ListByStrategy returns the full history of a strategy, oldest first.
func (s *OutcomeStore) ListByStrategy(ctx context.Context, instrument, strategyID string) ([]domain.TradeOutcome, error) {
	query := `SELECT ` + outcomeSelectCols + ` FROM trade_outcomes
		WHERE instrument = $1 AND strategy_id = $2 ORDER BY exit_time ASC, id ASC`
	rows, err := s.db.Query(ctx, query, instrument, strategyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list outcomes %s/%s: %w", instrument, strategyID, err)
	}
	return scanOutcomes(rows)
}

// ListRecent returns outcomes on instrument (all instruments when empty),
// newest first.
func (s *OutcomeStore) ListRecent(ctx context.Context, instrument string, opts domain.ListOpts) ([]domain.TradeOutcome, error) {
	q := newListQuery(`SELECT ` + outcomeSelectCols + ` FROM trade_outcomes`)
	if instrument != "" {
		q.where("instrument = ?", instrument)
	}
	q.window("exit_time", opts)
	rows, err := s.db.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent outcomes: %w", err)
	}
	return scanOutcomes(rows)
}

func scanOutcomes(rows pgx.Rows) ([]domain.TradeOutcome, error) {
	defer rows.Close()
	var out []domain.TradeOutcome
	for rows.Next() {
		var o domain.TradeOutcome
		var side, barrier string
		if err := rows.Scan(
			&o.PositionID, &o.Instrument, &o.StrategyID, &side, &o.Size,
			&o.EntryPrice, &o.ExitPrice, &o.EntryTime, &o.ExitTime, &barrier, &o.ReturnPct, &o.Shadow,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome: %w", err)
		}
		o.Side = domain.Side(side)
		o.Barrier = domain.Barrier(barrier)
		o.EntryTime = o.EntryTime.UTC()
		o.ExitTime = o.ExitTime.UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: outcome rows: %w", err)
	}
	return out, nil
}
