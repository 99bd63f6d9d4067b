// Package storage defines the key-value store abstraction the vault engine
// persists all of its state through: the fixed salt, the pending-operation
// queue, conflicts, the autofill index, and settings. Every value is a string
// (typically JSON) and every persisted structure is written as a full
// replacement, never incrementally patched.
package storage

import "errors"

var (
	// ErrNotFound is returned when the requested key has no value.
	ErrNotFound = errors.New("key not found")
	// ErrStorage wraps underlying I/O failures of a store implementation.
	ErrStorage = errors.New("storage failure")
)

// KVStore is the persistent key-value store contract.
type KVStore interface {
	GetItem(key string) (string, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	Clear() error
}
