package checkpoint

import (
	"context"
	"time"
)

// Object describes one stored blob.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is the durable key-value store behind a checkpoint Store. Keys use
// "/" as separator regardless of the backend.
type Backend interface {
	// Put stores data under key, replacing any existing value atomically.
	Put(ctx context.Context, key string, data []byte) error

	// PutIfNotExists stores data only when key is absent. It returns
	// errors.ErrCheckpointExists otherwise.
	PutIfNotExists(ctx context.Context, key string, data []byte) error

	// Get returns the data stored under key, or errors.ErrCheckpointNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Close releases backend resources.
	Close() error
}
