package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is one listed object: its key, size in bytes and modification time.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores position archives in object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutMultipart splits data into parts of at least partSize bytes.
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader serves replay files from object storage. Get returns ErrNotFound
// for a missing key.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves closed positions older than a cutoff to cold storage and
// reports how many it moved.
type Archiver interface {
	ArchivePositions(ctx context.Context, before time.Time) (int64, error)
}
