// Package storage defines the durable key/value store the session layer
// persists channel snapshots and queued operations into.
//
// Backends:
//   - memory/   - process-local map, used in tests and ephemeral runs
//   - bolt/     - single-file bbolt database for client devices
//   - postgres/ - shared table via sqlx with embedded goose migrations
//
// A Redis backend lives in internal/infra/redis next to the Redis client.
package storage

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrNotFound is returned when a key doesn't exist
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("store closed")
)

// Entry is one key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Store is an opaque byte store addressed by string keys.
type Store interface {
	// Get returns the value stored under key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// List returns every entry whose key starts with prefix, ordered by key
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases resources
	Close() error
}

// HealthChecker is implemented by stores that can verify their backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// SortEntries orders entries by key.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
