// Package pipeline runs background maintenance jobs next to the controllers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// ArchiveCounter receives the number of rows each run archived.
type ArchiveCounter interface {
	AddArchived(n int64)
}

// Archiver periodically moves closed positions older than the retention
// period to cold storage.
type Archiver struct {
	blobArchiver domain.Archiver
	retention    time.Duration
	counter      ArchiveCounter
	logger       *slog.Logger
	now          func() time.Time
}

// NewArchiver creates a new Archiver. counter may be nil.
func NewArchiver(blobArchiver domain.Archiver, retention time.Duration, counter ArchiveCounter, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver: blobArchiver,
		retention:    retention,
		counter:      counter,
		logger:       logger.With(slog.String("component", "archiver")),
		now:          time.Now,
	}
}

// Run executes a single archive pass over positions that exited before
// now minus the retention period.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", a.retention),
	)

	n, err := a.blobArchiver.ArchivePositions(ctx, cutoff)
	if a.counter != nil && n > 0 {
		a.counter.AddArchived(n)
	}
	if err != nil {
		return fmt.Errorf("pipeline: archiving positions before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("positions_archived", n))
	return nil
}

// RunEvery runs the archiver once immediately and then every interval until
// ctx is cancelled. Failed runs are logged and retried on the next tick.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	a.logger.InfoContext(ctx, "archiver started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.Run(ctx); err != nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
