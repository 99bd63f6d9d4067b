package syncer

import (
	"context"

	"github.com/keyfort/keyfort/vault"
)

// KeyFunc supplies the current vault encryption key. Keeping it a callback
// lets the adapter pick up key rotations without rewiring.
type KeyFunc func(ctx context.Context) ([]byte, error)

// VaultLocalStore adapts a vault.Store to the LocalStore interface.
type VaultLocalStore struct {
	store *vault.Store
	key   KeyFunc
}

var _ LocalStore = (*VaultLocalStore)(nil)

// NewVaultLocalStore wraps store, fetching the encryption key through key on
// every write.
func NewVaultLocalStore(store *vault.Store, key KeyFunc) *VaultLocalStore {
	return &VaultLocalStore{store: store, key: key}
}

func (v *VaultLocalStore) SaveEntry(ctx context.Context, entry *vault.CredentialEntry) error {
	masterKey, err := v.key(ctx)
	if err != nil {
		return err
	}
	return v.store.SaveEntry(entry, masterKey)
}

func (v *VaultLocalStore) DeleteEntry(ctx context.Context, entryID string) error {
	return v.store.DeleteEntry(entryID)
}
