package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	err     error
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[path] = b
	return nil
}

func (w *memWriter) Exists(_ context.Context, path string) (bool, error) {
	_, ok := w.objects[path]
	return ok, nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

type memPositions struct {
	rows     []domain.Position
	archived map[string]time.Time
}

func (m *memPositions) ListUnarchived(_ context.Context, before time.Time, limit int) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.rows {
		if _, done := m.archived[p.ID]; done || p.ExitTime == nil || !p.ExitTime.Before(before) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memPositions) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		m.archived[id] = at
	}
	return nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func closedAt(id string, t time.Time) domain.Position {
	return domain.Position{ID: id, Instrument: "BTC-USD", State: domain.StateClosed, ExitTime: &t}
}

func TestArchivePositionsInBatches(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memPositions{archived: map[string]time.Time{}}
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		store.rows = append(store.rows, closedAt(id, base.Add(time.Duration(i)*time.Hour)))
	}
	w := &memWriter{}
	audit := &memAudit{}
	arch := NewPositionArchiver(w, store, audit, "archive/positions", 2)
	arch.now = func() time.Time { return base.Add(48 * time.Hour) }

	n, err := arch.ArchivePositions(context.Background(), base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "e exited at the cutoff")
	assert.Len(t, store.archived, 4)
	assert.Len(t, w.objects, 2)
	assert.Equal(t, []string{"archive.positions", "archive.positions"}, audit.events)

	body := w.objects["archive/positions/2026-03/20260303T000000Z-0000.jsonl"]
	require.NotNil(t, body)
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)

	n, err = arch.ArchivePositions(context.Background(), base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "second run finds nothing")
}

func TestArchiveSkipsExistingBatchPath(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memPositions{archived: map[string]time.Time{}, rows: []domain.Position{closedAt("a", base)}}
	w := &memWriter{objects: map[string][]byte{
		"archive/positions/2026-03/20260301T020000Z-0000.jsonl": []byte("earlier run\n"),
	}}
	arch := NewPositionArchiver(w, store, nil, "archive/positions", 10)
	arch.now = func() time.Time { return base.Add(2 * time.Hour) }

	n, err := arch.ArchivePositions(context.Background(), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "earlier run\n", string(w.objects["archive/positions/2026-03/20260301T020000Z-0000.jsonl"]))
	assert.Contains(t, w.objects, "archive/positions/2026-03/20260301T020000Z-0001.jsonl")
}

func TestArchiveUploadFailureLeavesRowsUnarchived(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &memPositions{archived: map[string]time.Time{}, rows: []domain.Position{closedAt("a", base)}}
	arch := NewPositionArchiver(&memWriter{err: errors.New("denied")}, store, nil, "archive/positions", 10)

	_, err := arch.ArchivePositions(context.Background(), base.Add(time.Hour))
	require.Error(t, err)
	assert.Empty(t, store.archived)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://x", normaliseEndpoint("http://x", true))
	assert.Equal(t, "https://s3.amazonaws.com", normaliseEndpoint("s3.amazonaws.com", true))
	assert.Equal(t, "https://localhost:9000", normaliseEndpoint("https://localhost:9000", false))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.False(t, isNotFound(errors.New("boom")))
}
