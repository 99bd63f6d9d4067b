package syncer

import (
	"context"
	"sync"

	"github.com/keyfort/keyfort/vault"
)

// Remote is the authoritative copy the engine reconciles against. The wire
// protocol behind it is out of scope; implementations adapt whatever backend
// the application syncs with.
type Remote interface {
	FetchEntry(ctx context.Context, entryID string) (*vault.CredentialEntry, error)
	PushEntry(ctx context.Context, entry *vault.CredentialEntry) error
	DeleteEntry(ctx context.Context, entryID string) error
}

// LocalStore applies authoritative remote state back to the local vault.
type LocalStore interface {
	SaveEntry(ctx context.Context, entry *vault.CredentialEntry) error
	DeleteEntry(ctx context.Context, entryID string) error
}

// MemoryRemote is a thread-safe in-memory Remote for testing and demos.
type MemoryRemote struct {
	mu      sync.RWMutex
	entries map[string]*vault.CredentialEntry

	// Fail, when set, is returned by every call. Lets tests exercise the
	// retry path.
	Fail error
}

var _ Remote = (*MemoryRemote)(nil)

// NewMemoryRemote creates an empty in-memory remote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{entries: make(map[string]*vault.CredentialEntry)}
}

func (r *MemoryRemote) FetchEntry(ctx context.Context, entryID string) (*vault.CredentialEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Fail != nil {
		return nil, r.Fail
	}
	entry, ok := r.entries[entryID]
	if !ok {
		return nil, ErrRemoteNotFound
	}
	return entry.Clone(), nil
}

func (r *MemoryRemote) PushEntry(ctx context.Context, entry *vault.CredentialEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	r.entries[entry.ID] = entry.Clone()
	return nil
}

func (r *MemoryRemote) DeleteEntry(ctx context.Context, entryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	delete(r.entries, entryID)
	return nil
}

// Seed stores an entry directly, bypassing failure injection.
func (r *MemoryRemote) Seed(entry *vault.CredentialEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = entry.Clone()
}

// Get returns a stored entry, or nil.
func (r *MemoryRemote) Get(entryID string) *vault.CredentialEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[entryID].Clone()
}
