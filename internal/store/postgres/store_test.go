package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records Exec and Query calls and answers QueryRow with a fixed error.
type fakeDB struct {
	execs    []execCall
	queries  []execCall
	tag      pgconn.CommandTag
	rowErr   error
	queryErr error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.tag, nil
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, execCall{sql: sql, args: args})
	return nil, f.queryErr
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{err: f.rowErr}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func TestPositionSaveArgs(t *testing.T) {
	db := &fakeDB{}
	s := NewPositionStore(db)
	exit := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	pos := domain.Position{
		ID:         "p1",
		Instrument: "BTC-USD",
		StrategyID: "mom",
		Side:       domain.SideLong,
		Size:       0.2,
		Barriers:   domain.BarrierConfig{TakeProfitPct: 0.02, StopLossPct: 0.01, TimeLimit: 90 * time.Second},
		State:      domain.StateClosed,
		ExitReason: domain.BarrierTakeProfit,
		ExitTime:   &exit,
		CreatedAt:  exit.Add(-time.Hour),
		UpdatedAt:  exit,
	}
	require.NoError(t, s.Save(context.Background(), pos))
	require.Len(t, db.execs, 1)

	args := db.execs[0].args
	require.Len(t, args, 20)
	assert.Equal(t, "long", args[3])
	assert.Nil(t, args[8], "zero entry time stored as NULL")
	assert.Equal(t, int64(90_000), args[11])
	assert.Equal(t, "CLOSED", args[12])
	assert.Equal(t, "take_profit", args[13])
	assert.Contains(t, db.execs[0].sql, "ON CONFLICT (id) DO UPDATE")
}

func TestPositionGetByIDNotFound(t *testing.T) {
	s := NewPositionStore(&fakeDB{rowErr: pgx.ErrNoRows})
	_, err := s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkArchivedSkipsEmpty(t *testing.T) {
	db := &fakeDB{}
	s := NewPositionStore(db)
	require.NoError(t, s.MarkArchived(context.Background(), nil, time.Now()))
	assert.Empty(t, db.execs)

	require.NoError(t, s.MarkArchived(context.Background(), []string{"a", "b"}, time.Now()))
	require.Len(t, db.execs, 1)
	assert.Equal(t, []string{"a", "b"}, db.execs[0].args[0])
}

func TestStrategySetDemotedMissingRow(t *testing.T) {
	s := NewStrategyStore(&fakeDB{tag: pgconn.NewCommandTag("UPDATE 0")})
	err := s.SetDemoted(context.Background(), "BTC-USD", "ghost", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	s = NewStrategyStore(&fakeDB{tag: pgconn.NewCommandTag("UPDATE 1")})
	assert.NoError(t, s.SetDemoted(context.Background(), "BTC-USD", "mom", true))
}

func TestOutcomeInsertIsIdempotent(t *testing.T) {
	db := &fakeDB{}
	s := NewOutcomeStore(db)
	require.NoError(t, s.Insert(context.Background(), domain.TradeOutcome{PositionID: "p1", Barrier: domain.BarrierStopLoss}))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "ON CONFLICT (position_id) DO NOTHING")
	assert.Equal(t, "stop_loss", db.execs[0].args[9])
	assert.Equal(t, false, db.execs[0].args[11])
}

func TestAllocationInsertMarshalsWeights(t *testing.T) {
	db := &fakeDB{}
	s := NewAllocationStore(db)
	require.NoError(t, s.Insert(context.Background(), "BTC-USD", domain.AllocationWeights{
		Weights: map[string]float64{"mom": 0.6},
		Budget:  0.6,
		Regime:  "1",
	}))
	require.Len(t, db.execs, 1)
	assert.JSONEq(t, `{"mom":0.6}`, string(db.execs[0].args[2].([]byte)))
	assert.Nil(t, db.execs[0].args[6])
}

func TestAuditLogMarshalsDetail(t *testing.T) {
	db := &fakeDB{}
	s := NewAuditStore(db)
	require.NoError(t, s.Log(context.Background(), "halt", map[string]any{"instrument": "BTC-USD"}))
	require.Len(t, db.execs, 1)
	assert.JSONEq(t, `{"instrument":"BTC-USD"}`, string(db.execs[0].args[1].([]byte)))
}

func TestAuditListFiltersByPrefix(t *testing.T) {
	db := &fakeDB{queryErr: errors.New("down")}
	s := NewAuditStore(db)

	_, err := s.List(context.Background(), "strategy.", domain.ListOpts{Limit: 20})
	require.Error(t, err)
	require.Len(t, db.queries, 1)
	assert.Equal(t,
		"SELECT id, event, detail, created_at FROM audit_log WHERE 1=1 AND starts_with(event, $1) ORDER BY created_at DESC LIMIT $2",
		db.queries[0].sql)
	assert.Equal(t, []any{"strategy.", 20}, db.queries[0].args)

	_, _ = s.List(context.Background(), "", domain.ListOpts{})
	assert.NotContains(t, db.queries[1].sql, "starts_with")
}

var (
	_ domain.PositionStore   = (*PositionStore)(nil)
	_ domain.OutcomeStore    = (*OutcomeStore)(nil)
	_ domain.StrategyStore   = (*StrategyStore)(nil)
	_ domain.AllocationStore = (*AllocationStore)(nil)
	_ domain.AuditStore      = (*AuditStore)(nil)
	_ DB                     = (*fakeDB)(nil)
)
