package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	db DB
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(db DB) *PositionStore {
	return &PositionStore{db: db}
}

const positionSelectCols = `id, instrument, strategy_id, side, size, quantity, notional,
	entry_price, entry_time, take_profit_pct, stop_loss_pct, time_limit_ms,
	state, exit_reason, exit_price, exit_time, exit_attempts, pending_order_id,
	created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                   domain.Position
		side, state, reason string
		entryTime, exitTime *time.Time
		timeLimitMs         int64
	)
	err := row.Scan(
		&p.ID, &p.Instrument, &p.StrategyID, &side, &p.Size, &p.Quantity, &p.Notional,
		&p.EntryPrice, &entryTime, &p.Barriers.TakeProfitPct, &p.Barriers.StopLossPct, &timeLimitMs,
		&state, &reason, &p.ExitPrice, &exitTime, &p.ExitAttempts, &p.PendingOrderID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.State = domain.PositionState(state)
	p.ExitReason = domain.Barrier(reason)
	p.EntryTime = derefTime(entryTime)
	p.Barriers.TimeLimit = time.Duration(timeLimitMs) * time.Millisecond
	if exitTime != nil {
		t := exitTime.UTC()
		p.ExitTime = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return out, nil
}

// Save upserts the position. Every state transition is written.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			notional = EXCLUDED.notional,
			entry_price = EXCLUDED.entry_price,
			entry_time = EXCLUDED.entry_time,
			state = EXCLUDED.state,
			exit_reason = EXCLUDED.exit_reason,
			exit_price = EXCLUDED.exit_price,
			exit_time = EXCLUDED.exit_time,
			exit_attempts = EXCLUDED.exit_attempts,
			pending_order_id = EXCLUDED.pending_order_id,
			updated_at = EXCLUDED.updated_at`

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, query,
		p.ID, p.Instrument, p.StrategyID, string(p.Side), p.Size, p.Quantity, p.Notional,
		p.EntryPrice, nullTime(p.EntryTime), p.Barriers.TakeProfitPct, p.Barriers.StopLossPct, p.Barriers.TimeLimit.Milliseconds(),
		string(p.State), string(p.ExitReason), p.ExitPrice, p.ExitTime, p.ExitAttempts, p.PendingOrderID,
		createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns positions not yet CLOSED on instrument (all instruments
// when empty), oldest first.
func (s *PositionStore) ListOpen(ctx context.Context, instrument string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE state <> 'CLOSED'`
	var args []any
	if instrument != "" {
		query += ` AND instrument = $1`
		args = append(args, instrument)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return scanPositions(rows)
}

// ListClosed returns CLOSED positions, most recent exit first.
func (s *PositionStore) ListClosed(ctx context.Context, instrument string, opts domain.ListOpts) ([]domain.Position, error) {
	q := newListQuery(`SELECT ` + positionSelectCols + ` FROM positions`)
	q.where("state = ?", string(domain.StateClosed))
	if instrument != "" {
		q.where("instrument = ?", instrument)
	}
	q.window("exit_time", opts)
	rows, err := s.db.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return scanPositions(rows)
}

// ListUnarchived returns CLOSED positions that exited before the cutoff and
// have not been archived, oldest first.
func (s *PositionStore) ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE state = 'CLOSED' AND archived_at IS NULL AND exit_time < $1
		ORDER BY exit_time ASC LIMIT $2`
	rows, err := s.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unarchived positions: %w", err)
	}
	return scanPositions(rows)
}

// MarkArchived stamps archived_at on the given positions.
func (s *PositionStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE positions SET archived_at = $2 WHERE id = ANY($1)`
	if _, err := s.db.Exec(ctx, query, ids, at); err != nil {
		return fmt.Errorf("postgres: mark archived: %w", err)
	}
	return nil
}
