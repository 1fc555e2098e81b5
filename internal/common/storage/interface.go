package storage

import (
	"context"
	"io"
)

// ObjectStorage is the bucket surface used for submission backups.
type ObjectStorage interface {
	// PutObject uploads size bytes from r; size may be -1 when unknown.
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) error

	// RemoveObject deletes key; a missing key is not an error.
	RemoveObject(ctx context.Context, bucket, key string) error
}

// PutOptions describes an uploaded object.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
	// Metadata is stored as x-amz-meta-* user metadata.
	Metadata map[string]string
}
