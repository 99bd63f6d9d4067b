// Package vault defines the credential data model and the encrypted record
// store that persists it through the engine's key-value storage.
package vault

import (
	"time"

	"github.com/keyfort/keyfort/crypto"
)

// CredentialEntry is a single stored login. The secret travels as an
// EncryptedBlob; Plaintext is a transient in-memory field that is never
// serialized.
type CredentialEntry struct {
	ID         string               `json:"id"`
	Domain     string               `json:"domain,omitempty"`
	Username   string               `json:"username,omitempty"`
	Password   crypto.EncryptedBlob `json:"password,omitzero"`
	Notes      string               `json:"notes,omitempty"`
	CategoryID string               `json:"categoryId,omitempty"`
	CreatedAt  time.Time            `json:"createdAt,omitzero"`
	UpdatedAt  time.Time            `json:"updatedAt,omitzero"`
	LastUsed   *time.Time           `json:"lastUsed,omitempty"`

	// Plaintext holds the decrypted secret when it is available in memory
	// (fresh saves, edits). Never persisted.
	Plaintext string `json:"-"`
}

// Clone returns a deep copy of the entry.
func (e *CredentialEntry) Clone() *CredentialEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.LastUsed != nil {
		lu := *e.LastUsed
		cp.LastUsed = &lu
	}
	return &cp
}

// Category groups entries for display and backup purposes.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// Settings holds user-facing engine settings. ClearSessionOnSignOut defaults
// to false on purpose: the fixed salt must survive sign-out so a re-login can
// reconstruct the master secret. Salt deletion is a separate, explicitly
// confirmed destructive operation.
type Settings struct {
	AutoLockMinutes       int  `json:"autoLockMinutes,omitempty"`
	SyncEnabled           bool `json:"syncEnabled,omitempty"`
	ClearSessionOnSignOut bool `json:"clearSessionOnSignOut,omitempty"`
}
