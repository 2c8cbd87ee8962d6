package domain

import (
	"context"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string // relative to the store root, slash separated
	Size    int64
	ModTime time.Time
}

// ObjectStore is the storage port for table data and commit records.
// Keys are relative to the table root. Implemented by the storage package
// for local disk, memory, S3, GCS, and Azure Blob Storage.
//
// Get returns an error matching storage.ErrNotExist for absent keys.
// PutIfAbsent is the commit primitive: it must create the object atomically
// and return an error matching storage.ErrAlreadyExists when the key is taken.
type ObjectStore interface {
	Location() string
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// TableReader loads table snapshots.
// Implemented by deltalog.Reader.
type TableReader interface {
	Load(ctx context.Context) (*TableState, error)
}
