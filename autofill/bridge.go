package autofill

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/keyfort/keyfort/crypto"
	"github.com/keyfort/keyfort/internal/util"
)

// SecretSource supplies the cached master secret. The bridge never derives
// the secret itself; a cold cache means the vault is locked.
// *masterkey.Service satisfies this.
type SecretSource interface {
	CachedSecret() (string, bool)
}

// DecryptRequest is the external subsystem's just-in-time decryption ask.
// All cipher fields are hex. EntryID, when known, keys the plaintext cache.
type DecryptRequest struct {
	EntryID           string `json:"entryId,omitempty"`
	EncryptedPassword string `json:"encryptedPassword"`
	Salt              string `json:"salt"`
	IV                string `json:"iv"`
	AuthTag           string `json:"authTag"`
	Domain            string `json:"domain"`
}

// DecryptResponse conveys the outcome back over the bridge.
type DecryptResponse struct {
	Password     string `json:"plaintextPassword,omitempty"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	// UnlockRequired is set when the failure is a locked vault rather than a
	// bad request; the caller should prompt for unlock and retry.
	UnlockRequired bool `json:"unlockRequired,omitempty"`
}

// Request pairs a DecryptRequest with its reply channel for the Listen loop.
type Request struct {
	DecryptRequest
	Reply chan<- DecryptResponse
}

// BridgeStats counts decrypt round-trips.
type BridgeStats struct {
	Requests  uint64
	Successes uint64
	Failures  uint64
}

const (
	defaultReplyTimeout = 5 * time.Second

	// Fill bursts are small; anything past this is a misbehaving caller.
	defaultRateLimit = rate.Limit(20)
	defaultRateBurst = 40
)

// Bridge serves decrypt requests from the external autofill subsystem. It
// only ever uses the already-cached master secret, rate-limits callers, and
// records a usage statistic for every request.
type Bridge struct {
	source  SecretSource
	cache   *Cache
	limiter *rate.Limiter
	logger  *slog.Logger
	timeout time.Duration

	requests  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = logger }
}

// WithRateLimit overrides the per-second request limit and burst.
func WithRateLimit(limit rate.Limit, burst int) BridgeOption {
	return func(b *Bridge) { b.limiter = rate.NewLimiter(limit, burst) }
}

// WithReplyTimeout bounds how long Listen waits to deliver a response.
func WithReplyTimeout(timeout time.Duration) BridgeOption {
	return func(b *Bridge) { b.timeout = timeout }
}

// NewBridge creates a decrypt bridge backed by source for secrets and cache
// for the plaintext cache.
func NewBridge(source SecretSource, cache *Cache, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		source:  source,
		cache:   cache,
		limiter: rate.NewLimiter(defaultRateLimit, defaultRateBurst),
		logger:  slog.Default(),
		timeout: defaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Decrypt serves one request. A locked vault yields a structured
// unlock-required failure; key derivation is never attempted without a
// cached secret.
func (b *Bridge) Decrypt(ctx context.Context, req DecryptRequest) DecryptResponse {
	b.requests.Add(1)

	if err := ctx.Err(); err != nil {
		return b.failure(req, err.Error(), false)
	}
	if !b.limiter.Allow() {
		return b.failure(req, "too many decrypt requests", false)
	}
	if req.EncryptedPassword == "" || req.Salt == "" || req.IV == "" || req.AuthTag == "" {
		return b.failure(req, ErrMissingComponents.Error(), false)
	}

	if req.EntryID != "" {
		if password, ok := b.cache.plaintext.get(req.EntryID); ok {
			b.successes.Add(1)
			return DecryptResponse{Password: password, Success: true}
		}
	}

	secret, ok := b.source.CachedSecret()
	if !ok {
		return b.failure(req, ErrVaultLocked.Error()+": unlock required", true)
	}

	key, err := crypto.DeriveKeyHex(secret, req.Salt, crypto.StaticIterations)
	if err != nil {
		return b.failure(req, fmt.Sprintf("deriving entry key: %v", err), false)
	}
	defer util.WipeBytes(key)

	plaintext, err := crypto.DecryptParts(req.EncryptedPassword, req.IV, req.AuthTag, key)
	if err != nil {
		return b.failure(req, fmt.Sprintf("decrypting credential: %v", err), false)
	}
	defer util.WipeBytes(plaintext)

	password := string(plaintext)
	if req.EntryID != "" {
		b.cache.plaintext.put(req.EntryID, password)
	}
	b.successes.Add(1)
	return DecryptResponse{Password: password, Success: true}
}

// Listen serves requests until ctx is cancelled or the channel closes. Each
// reply delivery is bounded by the configured timeout so a vanished caller
// cannot wedge the loop.
func (b *Bridge) Listen(ctx context.Context, requests <-chan Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			resp := b.Decrypt(ctx, req.DecryptRequest)
			timer := time.NewTimer(b.timeout)
			select {
			case req.Reply <- resp:
				timer.Stop()
			case <-timer.C:
				b.logger.Warn("dropping decrypt response, caller not receiving", "domain", req.Domain)
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Requests:  b.requests.Load(),
		Successes: b.successes.Load(),
		Failures:  b.failures.Load(),
	}
}

func (b *Bridge) failure(req DecryptRequest, message string, unlockRequired bool) DecryptResponse {
	b.failures.Add(1)
	b.logger.Debug("decrypt request failed", "domain", req.Domain, "error", message)
	return DecryptResponse{ErrorMessage: message, UnlockRequired: unlockRequired}
}
