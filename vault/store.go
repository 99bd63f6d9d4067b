package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/keyfort/keyfort/crypto"
	"github.com/keyfort/keyfort/internal/util"
	"github.com/keyfort/keyfort/storage"
)

// ErrEntryNotFound indicates the requested entry does not exist.
var ErrEntryNotFound = errors.New("entry not found")

// Storage keys. Each value is a full JSON replacement; nothing is patched in
// place.
const (
	keyEntryPrefix = "vault_entry:"
	keyEntryIndex  = "vault_entry_index"
	keyCategories  = "vault_categories"
	keySettings    = "vault_settings"
)

// Store persists credential entries, categories, and settings. Entry and
// category records are sealed under the vault-wide master key before they
// reach the key-value store; settings carry no secrets and are stored plain.
type Store struct {
	kv storage.KVStore
}

// NewStore creates a Store over the given key-value store.
func NewStore(kv storage.KVStore) *Store {
	return &Store{kv: kv}
}

// SaveEntry seals the entry under the master key and writes it, updating the
// entry index.
func (s *Store) SaveEntry(entry *CredentialEntry, masterKey []byte) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("entry and entry ID are required")
	}
	if err := validateID(entry.ID, "entry ID"); err != nil {
		return err
	}

	blob, err := sealJSON(entry, masterKey)
	if err != nil {
		return fmt.Errorf("sealing entry %s: %w", entry.ID, err)
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	if err := s.kv.SetItem(keyEntryPrefix+entry.ID, string(data)); err != nil {
		return fmt.Errorf("writing entry %s: %w", entry.ID, err)
	}
	return s.indexAdd(entry.ID)
}

// LoadEntry reads and opens a single entry.
func (s *Store) LoadEntry(id string, masterKey []byte) (*CredentialEntry, error) {
	raw, err := s.kv.GetItem(keyEntryPrefix + id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry %s: %w", id, err)
	}

	var blob crypto.EncryptedBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, fmt.Errorf("parsing entry record %s: %w", id, err)
	}

	var entry CredentialEntry
	if err := openJSON(blob, masterKey, &entry); err != nil {
		return nil, fmt.Errorf("opening entry %s: %w", id, err)
	}
	return &entry, nil
}

// DeleteEntry removes an entry and its index reference.
func (s *Store) DeleteEntry(id string) error {
	if err := s.kv.RemoveItem(keyEntryPrefix + id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("removing entry %s: %w", id, err)
	}
	return s.indexRemove(id)
}

// ListEntries opens every indexed entry. Entries whose records are missing
// are skipped; an index can reference a record lost to an interrupted write.
func (s *Store) ListEntries(masterKey []byte) ([]*CredentialEntry, error) {
	ids, err := s.indexRead()
	if err != nil {
		return nil, err
	}
	entries := make([]*CredentialEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.LoadEntry(id, masterKey)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReplaceEntries atomically-in-intent replaces the whole entry set: the index
// is rewritten last so a crash mid-way leaves the old index intact.
func (s *Store) ReplaceEntries(entries []*CredentialEntry, masterKey []byte) error {
	oldIDs, err := s.indexRead()
	if err != nil {
		return err
	}

	newIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		blob, err := sealJSON(entry, masterKey)
		if err != nil {
			return fmt.Errorf("sealing entry %s: %w", entry.ID, err)
		}
		data, err := json.Marshal(blob)
		if err != nil {
			return err
		}
		if err := s.kv.SetItem(keyEntryPrefix+entry.ID, string(data)); err != nil {
			return fmt.Errorf("writing entry %s: %w", entry.ID, err)
		}
		newIDs = append(newIDs, entry.ID)
	}

	keep := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		keep[id] = true
	}
	for _, id := range oldIDs {
		if !keep[id] {
			if err := s.kv.RemoveItem(keyEntryPrefix + id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("removing entry %s: %w", id, err)
			}
		}
	}
	return s.indexWrite(newIDs)
}

// SaveCategories seals and writes the full category list.
func (s *Store) SaveCategories(categories []Category, masterKey []byte) error {
	blob, err := sealJSON(categories, masterKey)
	if err != nil {
		return fmt.Errorf("sealing categories: %w", err)
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return s.kv.SetItem(keyCategories, string(data))
}

// LoadCategories reads and opens the category list. A missing record yields
// an empty list.
func (s *Store) LoadCategories(masterKey []byte) ([]Category, error) {
	raw, err := s.kv.GetItem(keyCategories)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading categories: %w", err)
	}

	var blob crypto.EncryptedBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, fmt.Errorf("parsing category record: %w", err)
	}
	var categories []Category
	if err := openJSON(blob, masterKey, &categories); err != nil {
		return nil, fmt.Errorf("opening categories: %w", err)
	}
	return categories, nil
}

// SaveSettings writes the settings record.
func (s *Store) SaveSettings(settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.kv.SetItem(keySettings, string(data))
}

// LoadSettings reads the settings record. A missing record yields defaults.
func (s *Store) LoadSettings() (Settings, error) {
	raw, err := s.kv.GetItem(keySettings)
	if errors.Is(err, storage.ErrNotFound) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return Settings{}, fmt.Errorf("parsing settings: %w", err)
	}
	return settings, nil
}

func (s *Store) indexRead() ([]string, error) {
	raw, err := s.kv.GetItem(keyEntryIndex)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("parsing entry index: %w", err)
	}
	return ids, nil
}

func (s *Store) indexWrite(ids []string) error {
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.kv.SetItem(keyEntryIndex, string(data))
}

func (s *Store) indexAdd(id string) error {
	ids, err := s.indexRead()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return s.indexWrite(append(ids, id))
}

func (s *Store) indexRemove(id string) error {
	ids, err := s.indexRead()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, existing := range ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	return s.indexWrite(kept)
}

func sealJSON(v any, masterKey []byte) (crypto.EncryptedBlob, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return crypto.EncryptedBlob{}, err
	}
	defer util.WipeBytes(plaintext)
	return crypto.Encrypt(plaintext, masterKey)
}

func openJSON(blob crypto.EncryptedBlob, masterKey []byte, v any) error {
	plaintext, err := crypto.Decrypt(blob, masterKey)
	if err != nil {
		return err
	}
	defer util.WipeBytes(plaintext)
	return json.Unmarshal(plaintext, v)
}
