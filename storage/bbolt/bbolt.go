// Package bbolt provides a BBolt-backed storage.KVStore.
package bbolt

import (
	"fmt"

	"github.com/keyfort/keyfort/storage"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("keyfort_kv")

// Store implements storage.KVStore backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.KVStore = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating bucket: %v", storage.ErrStorage, err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("%w: opening bbolt db: %v", storage.ErrStorage, err)
	}
	return NewStore(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetItem(key string) (string, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		value = string(data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	if !found {
		return "", fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return value, nil
}

func (s *Store) SetItem(key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return nil
}

func (s *Store) RemoveItem(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return nil
}

func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}
	return nil
}
