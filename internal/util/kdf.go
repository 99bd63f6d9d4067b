package util

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const KDFKeyLength = 32

// Named PBKDF2 iteration profiles. The static profile keeps interactive
// unlock latency acceptable for the cached master key; the standard profile
// is reserved for explicit user-supplied backup passwords.
const (
	StaticIterations   = 10_000
	StandardIterations = 210_000
)

// DerivePBKDF2Key derives a 32-byte key from the password and salt using
// PBKDF2-HMAC-SHA256. The password is NFKD-normalized first so visually
// identical passwords entered on different platforms derive the same key.
func DerivePBKDF2Key(password string, salt []byte, iterations int) ([]byte, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("iteration count must be positive, got %d", iterations)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt must not be empty")
	}
	return pbkdf2.Key([]byte(Normalize(password)), salt, iterations, KDFKeyLength, sha256.New), nil
}
