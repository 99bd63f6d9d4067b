// Package masterkey derives and caches the deterministic per-user master key
// that unlocks the vault. The secret is reconstructible from stable identity
// data plus a fixed salt persisted exactly once per installed identity, so the
// cache is a performance optimization, not a source of truth.
package masterkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"

	"github.com/keyfort/keyfort/crypto"
	"github.com/keyfort/keyfort/identity"
	"github.com/keyfort/keyfort/internal/util"
	"github.com/keyfort/keyfort/storage"
)

// ErrNotAuthenticated indicates no identity is available; derivation never
// touches storage in this state.
var ErrNotAuthenticated = errors.New("not authenticated")

// Storage keys for the fixed salt and its owning identity.
const (
	KeyFixedSalt = "master_key_fixed_salt"
	KeySaltOwner = "master_key_salt_owner"
)

const (
	// DefaultTTL bounds the lifetime of a cached derivation.
	DefaultTTL = 60 * time.Minute
	// saltPrefixLen is how many hex characters of the fixed salt are mixed
	// into the secret string.
	saltPrefixLen  = 16
	anonymousEmail = "anonymous"
)

// Material is the derived master-key material. Key is a private copy owned by
// the caller; wipe it when done.
type Material struct {
	Secret    string
	Key       []byte
	DerivedAt time.Time
	OwnerID   string
}

type cacheEntry struct {
	secret    string
	key       *memguard.Enclave
	derivedAt time.Time
}

// Service derives and caches master-key material per owner.
type Service struct {
	provider identity.Provider
	store    storage.KVStore
	ttl      time.Duration

	mu         sync.Mutex
	cached     map[string]*cacheEntry
	inflight   map[string]struct{}
	generation uint64 // bumped on invalidation; stale flights must not cache

	group       singleflight.Group
	derivations uint64 // total underlying derivations, for tests and stats
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// NewService creates a master-key Service over the given identity provider
// and key-value store.
func NewService(provider identity.Provider, store storage.KVStore, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		store:    store,
		ttl:      DefaultTTL,
		cached:   make(map[string]*cacheEntry),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate derives the master-key material for the current identity, reusing
// a warm cache entry when available. Any number of concurrent cold-cache
// callers collapse onto one outstanding derivation.
func (s *Service) Generate(ctx context.Context) (*Material, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user, err := s.currentUser()
	if err != nil {
		return nil, err
	}

	// A warm cache never waits on an in-flight derivation.
	if mat, ok := s.cachedMaterial(user.ID); ok {
		return mat, nil
	}

	v, err, _ := s.group.Do(user.ID, func() (any, error) {
		s.mu.Lock()
		s.inflight[user.ID] = struct{}{}
		generation := s.generation
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, user.ID)
			s.mu.Unlock()
		}()

		// Re-check under the flight: a caller that lost the race to a
		// just-finished derivation reads the fresh entry instead.
		if mat, ok := s.cachedMaterial(user.ID); ok {
			return mat, nil
		}
		return s.derive(user, generation)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Material), nil
}

// Verify checks that the recorded salt owner and fixed salt are consistent
// with the current identity, without deriving a key. It reports false when no
// salt has been written yet.
func (s *Service) Verify(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	user, err := s.currentUser()
	if err != nil {
		return false, err
	}

	saltHex, err := s.store.GetItem(KeyFixedSalt)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading fixed salt: %w", err)
	}
	if len(saltHex) < saltPrefixLen {
		return false, fmt.Errorf("fixed salt record is truncated")
	}

	owner, err := s.store.GetItem(KeySaltOwner)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading salt owner: %w", err)
	}
	return owner == user.ID, nil
}

// CachedSecret returns the currently cached master secret for the signed-in
// identity, if the cache is warm. It never derives.
func (s *Service) CachedSecret() (string, bool) {
	user, err := s.currentUser()
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cached[user.ID]
	if !ok || time.Since(entry.derivedAt) >= s.ttl {
		delete(s.cached, user.ID)
		return "", false
	}
	return entry.secret, true
}

// InvalidateCache drops all cached material and forgets in-flight
// derivations. Used on logout; the fixed salt is deliberately left in place
// so a re-login can reconstruct the same secret.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Bumping the generation keeps a derivation that is already past the
	// point of no return from repopulating the cache when it settles.
	s.generation++
	for owner := range s.inflight {
		s.group.Forget(owner)
	}
	s.cached = make(map[string]*cacheEntry)
}

// Reset destructively deletes the fixed salt and owner record. All existing
// ciphertext becomes permanently unrecoverable; callers must require explicit
// confirmation upstream.
func (s *Service) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.RemoveItem(KeyFixedSalt); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("removing fixed salt: %w", err)
	}
	if err := s.store.RemoveItem(KeySaltOwner); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("removing salt owner: %w", err)
	}
	s.InvalidateCache()
	return nil
}

func (s *Service) currentUser() (*identity.User, error) {
	user, err := s.provider.CurrentUser()
	if err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			return nil, ErrNotAuthenticated
		}
		return nil, err
	}
	if user == nil || user.ID == "" {
		return nil, ErrNotAuthenticated
	}
	return user, nil
}

func (s *Service) cachedMaterial(ownerID string) (*Material, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cached[ownerID]
	if !ok {
		return nil, false
	}
	if time.Since(entry.derivedAt) >= s.ttl {
		delete(s.cached, ownerID)
		return nil, false
	}

	buf, err := entry.key.Open()
	if err != nil {
		delete(s.cached, ownerID)
		return nil, false
	}
	defer buf.Destroy()

	return &Material{
		Secret:    entry.secret,
		Key:       util.CopyBytes(buf.Bytes()),
		DerivedAt: entry.derivedAt,
		OwnerID:   ownerID,
	}, true
}

// derive runs the cost function: read-or-create the fixed salt, build the
// deterministic secret, and run PBKDF2 at the static profile. The result is
// cached only if no invalidation happened since the flight began; the caller
// still receives the material either way.
func (s *Service) derive(user *identity.User, generation uint64) (*Material, error) {
	saltHex, err := s.fixedSalt(user)
	if err != nil {
		return nil, err
	}

	secret := buildSecret(user, saltHex)
	key, err := crypto.DeriveKeyHex(secret, saltHex, crypto.StaticIterations)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	derivedAt := time.Now()
	s.mu.Lock()
	s.derivations++
	if generation == s.generation {
		s.cached[user.ID] = &cacheEntry{
			secret:    secret,
			key:       memguard.NewEnclave(util.CopyBytes(key)),
			derivedAt: derivedAt,
		}
	}
	s.mu.Unlock()

	return &Material{
		Secret:    secret,
		Key:       key,
		DerivedAt: derivedAt,
		OwnerID:   user.ID,
	}, nil
}

// fixedSalt fetches the persisted fixed salt, generating and recording one
// exactly once on first use. Once written it is never regenerated: doing so
// would orphan every record encrypted under keys derived from it.
func (s *Service) fixedSalt(user *identity.User) (string, error) {
	saltHex, err := s.store.GetItem(KeyFixedSalt)
	if err == nil {
		if len(saltHex) < saltPrefixLen {
			return "", fmt.Errorf("fixed salt record is truncated")
		}
		return saltHex, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reading fixed salt: %w", err)
	}

	saltHex, err = crypto.GenerateSalt()
	if err != nil {
		return "", fmt.Errorf("generating fixed salt: %w", err)
	}
	if err := s.store.SetItem(KeyFixedSalt, saltHex); err != nil {
		return "", fmt.Errorf("persisting fixed salt: %w", err)
	}
	if err := s.store.SetItem(KeySaltOwner, user.ID); err != nil {
		return "", fmt.Errorf("persisting salt owner: %w", err)
	}
	return saltHex, nil
}

func buildSecret(user *identity.User, saltHex string) string {
	email := strings.TrimSpace(user.Email)
	if email == "" {
		email = anonymousEmail
	}
	return user.ID + "::" + email + "::" + saltHex[:saltPrefixLen]
}
