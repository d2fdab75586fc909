package storage

import (
	"context"
	"io"
)

// ObjectStorage is the blob store batch reports are archived to.
type ObjectStorage interface {
	// Upload writes an object under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading. Callers close the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the address an operator can fetch the object from.
	GetURL(key string) string
}
