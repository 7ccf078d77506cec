// Package backend provides the raw key-value stores that hold the persisted
// record maps. A backing store knows nothing about records: it moves opaque
// byte values under top-level keys. Each Set call is atomic with respect to
// other clients of the same store; serialization of this process's own
// read-modify-write cycles is the write queue's job, not the backend's.
package backend

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when no value has been stored under a key.
var ErrKeyNotFound = errors.New("key not found")

// Store is the contract every backing store implements.
type Store interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value atomically.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value under key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
