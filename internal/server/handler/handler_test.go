package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type staticSource map[string]domain.Snapshot

func (s staticSource) Snapshots() []domain.Snapshot {
	out := make([]domain.Snapshot, 0, len(s))
	for _, k := range []string{"BTC-USD", "ETH-USD"} {
		if v, ok := s[k]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (s staticSource) Snapshot(inst string) (domain.Snapshot, bool) {
	v, ok := s[inst]
	return v, ok
}

func source() staticSource {
	return staticSource{
		"BTC-USD": {
			Instrument:  "BTC-USD",
			Positions:   []domain.Position{{ID: "p1", Instrument: "BTC-USD", State: domain.StateActive}},
			Performance: []domain.PerformanceRecord{{StrategyID: "mom"}},
		},
		"ETH-USD": {
			Instrument: "ETH-USD",
			Positions:  []domain.Position{{ID: "p2", Instrument: "ETH-USD", State: domain.StatePendingEntry}},
		},
	}
}

func serve(h http.HandlerFunc, pattern, method, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSnapshotRoutes(t *testing.T) {
	h := NewSnapshotHandler(source(), quiet())

	rec := serve(h.Get, "GET /api/instruments/{instrument}/snapshot", http.MethodGet, "/api/instruments/BTC-USD/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"instrument":"BTC-USD"`)

	rec = serve(h.Get, "GET /api/instruments/{instrument}/snapshot", http.MethodGet, "/api/instruments/XRP-USD/snapshot")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h.List, "GET /api/snapshot", http.MethodGet, "/api/snapshot")
	var list struct{ Snapshots []domain.Snapshot }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Snapshots, 2)
}

func TestOpenPositionsAndPerformance(t *testing.T) {
	h := NewSnapshotHandler(source(), quiet())

	rec := serve(h.OpenPositions, "GET /api/positions", http.MethodGet, "/api/positions")
	var all struct{ Positions []domain.Position }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all.Positions, 2)

	rec = serve(h.OpenPositions, "GET /api/positions", http.MethodGet, "/api/positions?instrument=ETH-USD")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all.Positions, 1)
	assert.Equal(t, "p2", all.Positions[0].ID)

	rec = serve(h.Performance, "GET /api/performance", http.MethodGet, "/api/performance?instrument=SOL-USD")
	assert.JSONEq(t, `[]`, string(decode(t, rec)["performance"]))
}

type closedStore struct {
	domain.PositionStore
	gotInst string
	gotOpts domain.ListOpts
	err     error
}

func (s *closedStore) ListClosed(_ context.Context, inst string, opts domain.ListOpts) ([]domain.Position, error) {
	s.gotInst, s.gotOpts = inst, opts
	return nil, s.err
}

func TestClosedPositionsParsesOptions(t *testing.T) {
	store := &closedStore{}
	h := NewHistoryHandler(store, nil, nil, quiet())

	rec := serve(h.ClosedPositions, "GET /api/positions/closed", http.MethodGet,
		"/api/positions/closed?instrument=BTC-USD&limit=900&offset=5&since=2026-03-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(decode(t, rec)["positions"]))
	assert.Equal(t, "BTC-USD", store.gotInst)
	assert.Equal(t, 500, store.gotOpts.Limit)
	assert.Equal(t, 5, store.gotOpts.Offset)
	require.NotNil(t, store.gotOpts.Since)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *store.gotOpts.Since)

	rec = serve(h.ClosedPositions, "GET /api/positions/closed", http.MethodGet, "/api/positions/closed?until=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.err = errors.New("db down")
	rec = serve(h.ClosedPositions, "GET /api/positions/closed", http.MethodGet, "/api/positions/closed")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHistoryWithoutStores(t *testing.T) {
	h := NewHistoryHandler(nil, nil, nil, quiet())
	rec := serve(h.Allocations, "GET /api/allocations/history", http.MethodGet, "/api/allocations/history")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = serve(h.Audit, "GET /api/audit", http.MethodGet, "/api/audit")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type auditStore struct {
	gotPrefix string
	entries   []domain.AuditEntry
}

func (s *auditStore) Log(context.Context, string, map[string]any) error { return nil }

func (s *auditStore) List(_ context.Context, prefix string, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	s.gotPrefix = prefix
	return s.entries, nil
}

func TestAuditFiltersByEvent(t *testing.T) {
	store := &auditStore{entries: []domain.AuditEntry{{ID: 7, Event: "strategy_demoted", Detail: map[string]any{"strategy": "mom"}}}}
	h := NewHistoryHandler(nil, nil, store, quiet())

	rec := serve(h.Audit, "GET /api/audit", http.MethodGet, "/api/audit?event=strategy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "strategy", store.gotPrefix)
	var entries []domain.AuditEntry
	require.NoError(t, json.Unmarshal(decode(t, rec)["entries"], &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "mom", entries[0].Detail["strategy"])
}

type resumerFunc func(ctx context.Context, inst string) error

func (f resumerFunc) Resume(ctx context.Context, inst string) error { return f(ctx, inst) }

func TestResume(t *testing.T) {
	var got string
	h := NewControlHandler(resumerFunc(func(_ context.Context, inst string) error {
		if inst != "BTC-USD" {
			return domain.ErrNotFound
		}
		got = inst
		return nil
	}), quiet())

	rec := serve(h.Resume, "POST /api/instruments/{instrument}/resume", http.MethodPost, "/api/instruments/BTC-USD/resume")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "BTC-USD", got)

	rec = serve(h.Resume, "POST /api/instruments/{instrument}/resume", http.MethodPost, "/api/instruments/ETH-USD/resume")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, quiet())

	rec := serve(h.HealthCheck, "GET /api/health", http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.JSONEq(t, `"degraded"`, string(body["status"]))
	assert.JSONEq(t, `{"postgres":"ok","redis":"connection refused"}`, string(body["dependencies"]))

	rec = serve(NewHealthHandler(nil, quiet()).HealthCheck, "GET /api/health", http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}
