package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("cache item not found")

// Backend is the storage engine behind the serialized manager. Exactly one
// implementation is chosen at construction time: SQLite on platforms with a
// shared filesystem, the in-memory keyed store elsewhere. Callers never branch
// on the concrete type.
//
// Backends are not required to be safe for concurrent use; the Manager
// guarantees that at most one operation runs at a time.
type Backend interface {
	// Open prepares the engine and creates any required schema. Idempotent.
	Open(ctx context.Context) error

	// Close releases the engine handle.
	Close() error

	// CheckIntegrity runs a lightweight consistency check.
	CheckIntegrity(ctx context.Context) error

	// Checkpoint flushes pending writes into the main database file.
	// A no-op for engines without a write-ahead log.
	Checkpoint(ctx context.Context) error

	// IsBusy reports whether err is transient lock contention from another
	// process holding the store, as opposed to an ordinary failure.
	IsBusy(err error) bool

	ListItems(ctx context.Context) ([]Item, error)
	GetItem(ctx context.Context, key string) (*Item, error)
	PutItems(ctx context.Context, items []Item) error
	DeleteItem(ctx context.Context, key string) error
	ClearItems(ctx context.Context) error
}
