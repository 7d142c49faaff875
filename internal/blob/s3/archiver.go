package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

// PositionArchiveStore is the part of the position store the archiver needs.
type PositionArchiveStore interface {
	ListUnarchived(ctx context.Context, before time.Time, limit int) ([]domain.Position, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// ArchiveObjects is the object storage the archiver writes to.
type ArchiveObjects interface {
	domain.BlobWriter
	Exists(ctx context.Context, path string) (bool, error)
}

// PositionArchiver implements domain.Archiver. It copies CLOSED positions to
// JSONL objects in batches and stamps them as archived. Rows stay in the
// database.
type PositionArchiver struct {
	objects   ArchiveObjects
	positions PositionArchiveStore
	audit     domain.AuditStore
	prefix    string
	batchSize int
	now       func() time.Time
}

// NewPositionArchiver creates a PositionArchiver writing under prefix. audit
// may be nil.
func NewPositionArchiver(
	objects ArchiveObjects,
	positions PositionArchiveStore,
	audit domain.AuditStore,
	prefix string,
	batchSize int,
) *PositionArchiver {
	if batchSize < 1 {
		batchSize = 1000
	}
	return &PositionArchiver{
		objects:   objects,
		positions: positions,
		audit:     audit,
		prefix:    prefix,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// ArchivePositions uploads every unarchived position that exited before the
// cutoff and returns how many were archived. A failed batch stops the run;
// earlier batches stay archived.
func (a *PositionArchiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for batch := 0; ; batch++ {
		rows, err := a.positions.ListUnarchived(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions query: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		buf, err := marshalJSONL(rows)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions marshal: %w", err)
		}
		at := a.now().UTC()
		path, err := a.freePath(ctx, at, batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive positions: %w", err)
		}
		if err := a.upload(ctx, path, buf); err != nil {
			return total, fmt.Errorf("s3blob: archive positions upload: %w", err)
		}

		ids := make([]string, len(rows))
		for i, p := range rows {
			ids[i] = p.ID
		}
		if err := a.positions.MarkArchived(ctx, ids, at); err != nil {
			return total, fmt.Errorf("s3blob: archive positions mark: %w", err)
		}
		total += int64(len(rows))

		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive.positions", map[string]any{
				"path":   path,
				"count":  len(rows),
				"before": before.Format(time.RFC3339),
			}); err != nil {
				return total, fmt.Errorf("s3blob: archive positions audit log: %w", err)
			}
		}
		if len(rows) < a.batchSize {
			break
		}
	}
	return total, nil
}

// freePath returns the first batch path at or after seq that is not yet
// stored. A restarted archiver can land in the same second as a previous run.
func (a *PositionArchiver) freePath(ctx context.Context, at time.Time, seq int) (string, error) {
	for ; ; seq++ {
		path := archivePath(a.prefix, at, seq)
		exists, err := a.objects.Exists(ctx, path)
		if err != nil {
			return "", err
		}
		if !exists {
			return path, nil
		}
	}
}

func (a *PositionArchiver) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) > minPartSize {
		return a.objects.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	}
	return a.objects.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// archivePath builds the key of one archive batch, partitioned by month:
//
//	archive/positions/2026-03/20260301T120000Z-0000.jsonl
func archivePath(prefix string, at time.Time, batch int) string {
	return fmt.Sprintf("%s/%s/%s-%04d.jsonl", prefix, at.Format("2006-01"), at.Format("20060102T150405Z"), batch)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*PositionArchiver)(nil)
