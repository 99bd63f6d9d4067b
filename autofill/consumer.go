package autofill

import "sync"

// MemoryConsumer is an in-process Consumer for testing and for deployments
// without a platform autofill subsystem attached.
type MemoryConsumer struct {
	mu      sync.Mutex
	payload string
	clears  int
}

var _ Consumer = (*MemoryConsumer)(nil)

func (m *MemoryConsumer) PrepareCredentials(payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payload = payload
	return nil
}

func (m *MemoryConsumer) ClearCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payload = ""
	m.clears++
	return nil
}

// Payload returns the last mirrored credential payload.
func (m *MemoryConsumer) Payload() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payload
}

// Clears returns how many times the cache was cleared.
func (m *MemoryConsumer) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}
