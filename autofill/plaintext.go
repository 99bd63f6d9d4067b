package autofill

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// DefaultPlaintextTTL bounds how long a decrypted password stays cached
// after a successful fill.
const DefaultPlaintextTTL = 60 * time.Second

// plaintextCache holds recently decrypted passwords so an immediate repeat
// fill skips the key derivation. Entries live in memguard enclaves and
// expire on read.
type plaintextCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]plaintextEntry
}

type plaintextEntry struct {
	sealed    *memguard.Enclave
	expiresAt time.Time
}

func newPlaintextCache(ttl time.Duration) *plaintextCache {
	return &plaintextCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]plaintextEntry),
	}
}

func (p *plaintextCache) put(entryID, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entryID] = plaintextEntry{
		sealed:    memguard.NewEnclave([]byte(password)),
		expiresAt: p.now().Add(p.ttl),
	}
}

func (p *plaintextCache) get(entryID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[entryID]
	if !ok {
		return "", false
	}
	if p.now().After(entry.expiresAt) {
		delete(p.entries, entryID)
		return "", false
	}
	buf, err := entry.sealed.Open()
	if err != nil {
		delete(p.entries, entryID)
		return "", false
	}
	defer buf.Destroy()
	return string(buf.Bytes()), true
}

func (p *plaintextCache) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]plaintextEntry)
}
