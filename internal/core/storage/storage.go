package storage

import (
	"context"
	"time"
)

// Blob kinds kept in a Store.
const (
	KindSnapshot = "snapshot"
	KindModule   = "module"
)

// Blob is an opaque named byte string. The store imposes no schema on Data.
type Blob struct {
	Kind      string
	Name      string
	Data      []byte
	CreatedAt time.Time
}

// Store persists blobs keyed by (kind, name). Save overwrites.
type Store interface {
	Save(ctx context.Context, kind, name string, data []byte) error
	// Load fails NotFound when the blob does not exist.
	Load(ctx context.Context, kind, name string) (Blob, error)
	// List returns the names of kind in lexical order.
	List(ctx context.Context, kind string) ([]string, error)
	Delete(ctx context.Context, kind, name string) error
	Close() error
}
