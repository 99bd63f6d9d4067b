package bbolt

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/keyfort/keyfort/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStoreFromFile(filepath.Join(t.TempDir(), "kv.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetItem("missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, s.SetItem("salt", "deadbeef"))
	v, err := s.GetItem("salt")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", v)

	require.NoError(t, s.RemoveItem("salt"))
	_, err = s.GetItem("salt")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStoreClear(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetItem("a", "1"))
	require.NoError(t, s.SetItem("b", "2"))
	require.NoError(t, s.Clear())

	_, err := s.GetItem("a")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = s.GetItem("b")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// Store remains usable after Clear.
	require.NoError(t, s.SetItem("c", "3"))
	v, err := s.GetItem("c")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}
