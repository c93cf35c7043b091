package interfaces

import "context"

// BlobStore keeps opaque binary payloads (selfie captures) and hands back a
// reference that is stored on the attendance record
type BlobStore interface {
	// Put stores data under a name derived from key and returns its reference
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)

	// Get returns the payload behind a reference
	Get(ctx context.Context, ref string) ([]byte, error)

	// Close releases resources
	Close() error
}
