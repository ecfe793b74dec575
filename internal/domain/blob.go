package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver copies settled records to cold storage.
type Archiver interface {
	ArchiveRecord(ctx context.Context, rec PerformanceRecord) error
	ArchiveOrder(ctx context.Context, order Order) error
}
