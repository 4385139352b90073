package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver moves settled rounds from the database to cold storage.
type Archiver interface {
	ArchiveRounds(ctx context.Context, before time.Time) (int64, error)
}
