// Package autofill prepares a per-domain encrypted credential index for an
// external autofill consumer and brokers just-in-time decryption. The
// consumer never holds the vault-wide master key: every credential carries
// its own salt, and the per-entry key is derived on demand from the cached
// master secret.
package autofill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/keyfort/keyfort/crypto"
	"github.com/keyfort/keyfort/internal/util"
	"github.com/keyfort/keyfort/masterkey"
	"github.com/keyfort/keyfort/storage"
	"github.com/keyfort/keyfort/vault"
)

// KeyCredentials is the storage key for the master-key-encrypted index.
const KeyCredentials = "autofill_credentials"

var (
	// ErrMissingComponents marks a credential that lacks salt/iv/tag and has
	// no plaintext available, so it cannot be migrated to a per-entry key.
	ErrMissingComponents = errors.New("missing encryption components")
	// ErrVaultLocked is returned when no cached master secret is available.
	ErrVaultLocked = errors.New("vault is locked")
)

// Credential is one entry of the autofill index. Password is always
// encrypted under a key derived from the master secret and the credential's
// own salt; Salt is therefore always present.
type Credential struct {
	ID       string               `json:"id"`
	Domain   string               `json:"domain"`
	Username string               `json:"username"`
	Password crypto.EncryptedBlob `json:"password"`
	LastUsed *time.Time           `json:"lastUsed,omitempty"`
}

// Consumer is the external autofill subsystem's store. The engine pushes the
// prepared index to it and clears it on lock.
type Consumer interface {
	PrepareCredentials(payload string) error
	ClearCache() error
}

// PrepareResult reports the outcome of one preparation run. Unmigratable
// entries are skipped and recorded, never fatal.
type PrepareResult struct {
	Prepared int
	Skipped  int
	Errors   []string
}

// Cache owns the encrypted credential index and the transient plaintext
// cache.
type Cache struct {
	kv       storage.KVStore
	consumer Consumer
	logger   *slog.Logger
	now      func() time.Time

	plaintext *plaintextCache
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithPlaintextTTL overrides the plaintext cache lifetime.
func WithPlaintextTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.plaintext.ttl = ttl }
}

// WithClock overrides the cache clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
		c.plaintext.now = now
	}
}

// NewCache creates an autofill cache persisting through kv and mirroring the
// prepared index to consumer. consumer may be nil when no external subsystem
// is attached.
func NewCache(kv storage.KVStore, consumer Consumer, opts ...Option) *Cache {
	c := &Cache{
		kv:        kv,
		consumer:  consumer,
		logger:    slog.Default(),
		now:       time.Now,
		plaintext: newPlaintextCache(DefaultPlaintextTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PrepareCredentials builds the autofill index from vault entries. Each
// entry with both a domain and a username gets its secret encrypted under a
// freshly salted per-entry key; legacy entries encrypted under the master
// key are migrated in place. Entries that cannot be prepared are skipped and
// recorded in the result. The index is encrypted under material.Key, written
// to storage, and mirrored (still per-entry-encrypted) to the consumer.
func (c *Cache) PrepareCredentials(ctx context.Context, entries []*vault.CredentialEntry, material *masterkey.Material) (PrepareResult, error) {
	if material == nil {
		return PrepareResult{}, fmt.Errorf("master-key material is required")
	}
	if err := ctx.Err(); err != nil {
		return PrepareResult{}, err
	}

	var result PrepareResult
	credentials := make([]Credential, 0, len(entries))
	for _, entry := range entries {
		if entry.Domain == "" || entry.Username == "" {
			result.Skipped++
			continue
		}
		cred, err := c.prepareEntry(entry, material)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("entry %s: %v", entry.ID, err))
			c.logger.Warn("skipping unmigratable credential", "entry", entry.ID, "error", err)
			continue
		}
		credentials = append(credentials, cred)
		result.Prepared++
	}

	if err := c.saveIndex(credentials, material.Key); err != nil {
		return result, err
	}

	if c.consumer != nil {
		payload, err := json.Marshal(credentials)
		if err != nil {
			return result, fmt.Errorf("encoding autofill payload: %w", err)
		}
		if err := c.consumer.PrepareCredentials(string(payload)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mirroring to autofill consumer: %v", err))
		}
	}
	return result, nil
}

// prepareEntry produces a per-entry-encrypted credential. Preference order:
// re-encrypt from plaintext when available, keep an already-salted blob
// as-is, migrate a legacy master-key blob, otherwise fail with
// ErrMissingComponents.
func (c *Cache) prepareEntry(entry *vault.CredentialEntry, material *masterkey.Material) (Credential, error) {
	cred := Credential{
		ID:       entry.ID,
		Domain:   entry.Domain,
		Username: entry.Username,
		LastUsed: entry.LastUsed,
	}

	switch {
	case entry.Plaintext != "":
		blob, err := encryptPerEntry([]byte(entry.Plaintext), material.Secret)
		if err != nil {
			return Credential{}, err
		}
		cred.Password = blob

	case entry.Password.Complete() && entry.Password.Salt != "":
		// Already encrypted with its own salt.
		cred.Password = entry.Password

	case entry.Password.Complete():
		// Legacy blob under the vault-wide master key. Decrypt with the
		// master key and re-encrypt under a fresh per-entry key.
		plaintext, err := crypto.Decrypt(entry.Password, material.Key)
		if err != nil {
			return Credential{}, fmt.Errorf("migrating legacy credential: %w", err)
		}
		defer util.WipeBytes(plaintext)
		blob, err := encryptPerEntry(plaintext, material.Secret)
		if err != nil {
			return Credential{}, err
		}
		cred.Password = blob

	default:
		return Credential{}, ErrMissingComponents
	}
	return cred, nil
}

func encryptPerEntry(plaintext []byte, secret string) (crypto.EncryptedBlob, error) {
	saltHex, err := crypto.GenerateSalt()
	if err != nil {
		return crypto.EncryptedBlob{}, fmt.Errorf("generating entry salt: %w", err)
	}
	key, err := crypto.DeriveKeyHex(secret, saltHex, crypto.StaticIterations)
	if err != nil {
		return crypto.EncryptedBlob{}, fmt.Errorf("deriving entry key: %w", err)
	}
	defer util.WipeBytes(key)

	blob, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return crypto.EncryptedBlob{}, err
	}
	blob.Salt = saltHex
	return blob, nil
}

// CredentialsForDomain decrypts the index and returns the credentials whose
// domain equals or is a subdomain relative of the requested one. The
// requested domain may be a full URL; scheme, path, and port are stripped
// before matching.
func (c *Cache) CredentialsForDomain(ctx context.Context, domain string, material *masterkey.Material) ([]Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if material == nil {
		return nil, fmt.Errorf("master-key material is required")
	}
	index, err := c.loadIndex(material.Key)
	if err != nil {
		return nil, err
	}

	host := NormalizeHost(domain)
	var matched []Credential
	for _, cred := range index {
		if DomainsMatch(host, cred.Domain) {
			matched = append(matched, cred)
		}
	}
	return matched, nil
}

// Clear wipes the stored index, the plaintext cache, and the consumer's
// mirror. Called on vault lock.
func (c *Cache) Clear() error {
	c.plaintext.clear()
	err := c.kv.RemoveItem(KeyCredentials)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if c.consumer != nil {
		return c.consumer.ClearCache()
	}
	return nil
}

// ClearPlaintext drops only the transient plaintext cache.
func (c *Cache) ClearPlaintext() {
	c.plaintext.clear()
}

func (c *Cache) saveIndex(credentials []Credential, masterKey []byte) error {
	raw, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("encoding autofill index: %w", err)
	}
	blob, err := crypto.Encrypt(raw, masterKey)
	if err != nil {
		return fmt.Errorf("encrypting autofill index: %w", err)
	}
	stored, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encoding autofill index blob: %w", err)
	}
	return c.kv.SetItem(KeyCredentials, string(stored))
}

func (c *Cache) loadIndex(masterKey []byte) ([]Credential, error) {
	stored, err := c.kv.GetItem(KeyCredentials)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading autofill index: %w", err)
	}
	var blob crypto.EncryptedBlob
	if err := json.Unmarshal([]byte(stored), &blob); err != nil {
		return nil, fmt.Errorf("decoding autofill index blob: %w", err)
	}
	raw, err := crypto.Decrypt(blob, masterKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting autofill index: %w", err)
	}
	var index []Credential
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("decoding autofill index: %w", err)
	}
	return index, nil
}

// NormalizeHost strips scheme, path, query, port, and a leading "www." from
// a domain or URL, lowercased. Bare IPv6 literals pass through intact.
func NormalizeHost(domain string) string {
	host := strings.TrimSpace(strings.ToLower(domain))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.TrimPrefix(host, "www.")
}

// DomainsMatch reports whether two hosts refer to the same site: equal, or
// one is a dot-suffix of the other (mail.example.com matches example.com).
func DomainsMatch(a, b string) bool {
	a, b = NormalizeHost(a), NormalizeHost(b)
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}
