package autofill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/keyfort/keyfort/masterkey"
	"github.com/keyfort/keyfort/storage/memory"
	"github.com/keyfort/keyfort/vault"
)

type fakeSecretSource struct {
	secret string
	warm   bool
}

func (f *fakeSecretSource) CachedSecret() (string, bool) {
	if !f.warm {
		return "", false
	}
	return f.secret, true
}

// preparedRequest builds a decrypt request for a freshly prepared credential.
func preparedRequest(t *testing.T, cache *Cache, material *masterkey.Material, entryID, password string) DecryptRequest {
	t.Helper()
	entry := plainEntry(entryID, "example.com", "alice", password)
	_, err := cache.PrepareCredentials(context.Background(), []*vault.CredentialEntry{entry}, material)
	require.NoError(t, err)
	creds, err := cache.CredentialsForDomain(context.Background(), "example.com", material)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	blob := creds[0].Password
	return DecryptRequest{
		EntryID:           entryID,
		EncryptedPassword: blob.Ciphertext,
		Salt:              blob.Salt,
		IV:                blob.IV,
		AuthTag:           blob.AuthTag,
		Domain:            "example.com",
	}
}

func TestBridgeDecrypt(t *testing.T) {
	cache := NewCache(memory.NewStore(), nil)
	material := testMaterial(t)
	source := &fakeSecretSource{secret: material.Secret, warm: true}
	bridge := NewBridge(source, cache)

	req := preparedRequest(t, cache, material, "e1", "hunter2")
	resp := bridge.Decrypt(context.Background(), req)
	require.True(t, resp.Success, resp.ErrorMessage)
	assert.Equal(t, "hunter2", resp.Password)
	assert.False(t, resp.UnlockRequired)

	stats := bridge.Stats()
	assert.EqualValues(t, 1, stats.Requests)
	assert.EqualValues(t, 1, stats.Successes)
	assert.Zero(t, stats.Failures)
}

func TestBridgeLockedVault(t *testing.T) {
	cache := NewCache(memory.NewStore(), nil)
	material := testMaterial(t)
	source := &fakeSecretSource{secret: material.Secret, warm: false}
	bridge := NewBridge(source, cache)

	req := preparedRequest(t, cache, material, "e1", "hunter2")
	resp := bridge.Decrypt(context.Background(), req)
	assert.False(t, resp.Success)
	assert.True(t, resp.UnlockRequired)
	assert.Contains(t, resp.ErrorMessage, "unlock required")
	assert.Empty(t, resp.Password, "no derivation is attempted without a cached secret")

	stats := bridge.Stats()
	assert.EqualValues(t, 1, stats.Failures)
}

func TestBridgeMissingComponents(t *testing.T) {
	cache := NewCache(memory.NewStore(), nil)
	bridge := NewBridge(&fakeSecretSource{warm: true, secret: "s"}, cache)

	resp := bridge.Decrypt(context.Background(), DecryptRequest{EncryptedPassword: "deadbeef", Domain: "example.com"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, ErrMissingComponents.Error())
}

func TestBridgeTamperedCiphertext(t *testing.T) {
	cache := NewCache(memory.NewStore(), nil)
	material := testMaterial(t)
	source := &fakeSecretSource{secret: material.Secret, warm: true}
	bridge := NewBridge(source, cache)

	req := preparedRequest(t, cache, material, "e1", "hunter2")
	req.AuthTag = req.Salt // valid hex, wrong tag
	resp := bridge.Decrypt(context.Background(), req)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Password)
}

func TestBridgePlaintextCacheHit(t *testing.T) {
	cache := NewCache(memory.NewStore(), nil)
	material := testMaterial(t)
	source := &fakeSecretSource{secret: material.Secret, warm: true}
	bridge := NewBridge(source, cache)

	req := preparedRequest(t, cache, material, "e1", "hunter2")
	resp := bridge.Decrypt(context.Background(), req)
	require.True(t, resp.Success)

	// Lock the vault: the cached plaintext still serves an immediate repeat.
	source.warm = false
	resp = bridge.Decrypt(context.Background(), req)
	require.True(t, resp.Success, "repeat fill within the TTL must not re-derive")
	assert.Equal(t, "hunter2", resp.Password)

	cache.ClearPlaintext()
	resp = bridge.Decrypt(context.Background(), req)
	assert.False(t, resp.Success)
	assert.True(t, resp.UnlockRequired)
}

func TestBridgePlaintextCacheExpiry(t *testing.T) {
	now := time.Now()
	cache := NewCache(memory.NewStore(), nil, WithClock(func() time.Time { return now }))
	material := testMaterial(t)
	source := &fakeSecretSource{secret: material.Secret, warm: true}
	bridge := NewBridge(source, cache)

	req := preparedRequest(t, cache, material, "e1", "hunter2")
	require.True(t, bridge.Decrypt(context.Background(), req).Success)

	now = now.Add(DefaultPlaintextTTL + time.Second)
	source.warm = false
	resp := bridge.Decrypt(context.Background(), req)
	assert.False(t, resp.Success, "cache entries expire on read")
	assert.True(t, resp.UnlockRequired)
}

func TestBridgeRateLimit(t *testing.T) {
	cache := NewCache(memory.NewStore(), nil)
	material := testMaterial(t)
	source := &fakeSecretSource{secret: material.Secret, warm: true}
	bridge := NewBridge(source, cache, WithRateLimit(rate.Limit(1), 1))

	req := preparedRequest(t, cache, material, "e1", "hunter2")
	require.True(t, bridge.Decrypt(context.Background(), req).Success)

	req.EntryID = "" // bypass the plaintext cache
	resp := bridge.Decrypt(context.Background(), req)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "too many")
}

func TestBridgeListen(t *testing.T) {
	cache := NewCache(memory.NewStore(), nil)
	material := testMaterial(t)
	source := &fakeSecretSource{secret: material.Secret, warm: true}
	bridge := NewBridge(source, cache)

	requests := make(chan Request)
	done := make(chan struct{})
	go func() {
		defer close(done)
		bridge.Listen(context.Background(), requests)
	}()

	reply := make(chan DecryptResponse, 1)
	requests <- Request{DecryptRequest: preparedRequest(t, cache, material, "e1", "hunter2"), Reply: reply}

	select {
	case resp := <-reply:
		require.True(t, resp.Success)
		assert.Equal(t, "hunter2", resp.Password)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for decrypt response")
	}

	close(requests)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listen loop did not exit on channel close")
	}
}
