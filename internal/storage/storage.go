// Package storage defines the key-value boundary used for local durable
// persistence. Concrete backends live in the subpackages local (JSON files),
// sqlitekv (SQLite) and badgerkv (BadgerDB).
package storage

import "errors"

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("not found")

// KV is a synchronous key-value store holding JSON blobs.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key returns ErrNotFound.
	Delete(key string) error

	// Close releases resources held by the backend.
	Close() error
}
