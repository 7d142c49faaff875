package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubArchiver struct {
	cutoffs []time.Time
	n       int64
	err     error
}

func (s *stubArchiver) ArchivePositions(_ context.Context, before time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, before)
	return s.n, s.err
}

type counter struct{ total int64 }

func (c *counter) AddArchived(n int64) { c.total += n }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiverRunUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stub := &stubArchiver{n: 3}
	c := &counter{}
	a := NewArchiver(stub, 7*24*time.Hour, c, discard())
	a.now = func() time.Time { return now }

	require.NoError(t, a.Run(context.Background()))
	require.Len(t, stub.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), stub.cutoffs[0])
	assert.Equal(t, int64(3), c.total)
}

func TestArchiverRunCountsPartialProgress(t *testing.T) {
	stub := &stubArchiver{n: 2, err: errors.New("upload failed")}
	c := &counter{}
	a := NewArchiver(stub, time.Hour, c, discard())

	assert.Error(t, a.Run(context.Background()))
	assert.Equal(t, int64(2), c.total)
}

func TestArchiverRunEveryStopsOnCancel(t *testing.T) {
	stub := &stubArchiver{}
	a := NewArchiver(stub, time.Hour, nil, discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.RunEvery(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, stub.cutoffs, 1, "runs once before waiting")
}
