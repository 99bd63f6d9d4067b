// Package memory provides a thread-safe in-memory implementation of
// storage.KVStore. Suitable for testing, demos, and single-process use cases.
package memory

import (
	"sync"

	"github.com/keyfort/keyfort/storage"
)

// Store is a thread-safe in-memory implementation of storage.KVStore.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ storage.KVStore = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) GetItem(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *Store) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
	return nil
}

// Keys returns a snapshot of all stored keys. Test helper.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
