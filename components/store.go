package components

import (
	"context"
)

// Entry is a key-value pair returned by KVStore.List.
type Entry struct {
	Key   string
	Value []byte
}

// KVStore is a string-keyed byte store, scoped to a single actor instance.
type KVStore interface {
	// Get returns the value for the key.
	// If the key doesn't exist, found is false and err is nil.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put sets the value for the key.
	Put(ctx context.Context, key string, value []byte) error

	// PutBatch sets all the values in the map.
	PutBatch(ctx context.Context, entries map[string][]byte) error

	// Delete removes the key, returning true if it existed.
	Delete(ctx context.Context, key string) (existed bool, err error)

	// DeleteBatch removes all the keys, returning the number of keys that existed.
	DeleteBatch(ctx context.Context, keys []string) (int, error)

	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// BatchWriter is implemented by stores that can apply puts and deletes atomically.
type BatchWriter interface {
	// WriteBatch applies puts and deletes in a single transaction.
	// Keys present in both are deleted after the puts are applied.
	WriteBatch(ctx context.Context, puts map[string][]byte, deletes []string) error
}
