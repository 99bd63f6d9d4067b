// Package crypto provides the authenticated symmetric encryption primitive,
// password-based key derivation, and secure random generation used by the
// vault engine. It performs no I/O; all failures are surfaced as errors and
// never as partial plaintext.
package crypto

import (
	"errors"
	"fmt"

	"github.com/keyfort/keyfort/internal/util"
)

// ErrAuthentication indicates an authentication tag mismatch: the ciphertext
// was tampered with or the wrong key was used. Callers translate this into
// "wrong password" where appropriate.
var ErrAuthentication = errors.New("authentication failed")

// PBKDF2 iteration profiles. Static keeps unlock latency acceptable for the
// cached master key; Standard is reserved for explicit user-supplied backup
// passwords.
const (
	StaticIterations   = util.StaticIterations
	StandardIterations = util.StandardIterations
)

const (
	// SaltSize is the byte length of salts produced by GenerateSalt.
	SaltSize = 16
	// IVSize is the byte length of IVs produced by GenerateIV.
	IVSize = util.GCMIVSize
)

// DeriveKey derives a 32-byte symmetric key from the password and salt using
// PBKDF2-HMAC-SHA256 at the given iteration count. Deterministic: identical
// inputs always yield the same key.
func DeriveKey(password string, salt []byte, iterations int) ([]byte, error) {
	return util.DerivePBKDF2Key(password, salt, iterations)
}

// DeriveKeyHex is DeriveKey for call sites holding a hex-encoded salt.
func DeriveKeyHex(password, saltHex string, iterations int) ([]byte, error) {
	salt, err := util.HexDecode(saltHex)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	return util.DerivePBKDF2Key(password, salt, iterations)
}

// Encrypt encrypts plaintext with AES-256-GCM under key. If iv is omitted a
// fresh cryptographically random IV is generated; callers must never reuse an
// IV with the same key for different plaintexts.
func Encrypt(plaintext, key []byte, iv ...[]byte) (EncryptedBlob, error) {
	var nonce []byte
	if len(iv) > 0 && iv[0] != nil {
		nonce = iv[0]
	} else {
		var err error
		nonce, err = util.RandomBytes(IVSize)
		if err != nil {
			return EncryptedBlob{}, err
		}
	}

	ciphertext, tag, err := util.EncryptAESGCM(plaintext, key, nonce)
	if err != nil {
		return EncryptedBlob{}, err
	}

	return EncryptedBlob{
		Ciphertext: util.HexEncode(ciphertext),
		IV:         util.HexEncode(nonce),
		AuthTag:    util.HexEncode(tag),
	}, nil
}

// Decrypt decrypts an EncryptedBlob. It returns ErrAuthentication when the
// tag does not verify, and a generic error for malformed or truncated input.
func Decrypt(blob EncryptedBlob, key []byte) ([]byte, error) {
	return DecryptParts(blob.Ciphertext, blob.IV, blob.AuthTag, key)
}

// DecryptParts decrypts hex-encoded ciphertext, IV, and auth tag. The three
// components must always travel together; decrypting any subset fails.
func DecryptParts(ciphertextHex, ivHex, tagHex string, key []byte) ([]byte, error) {
	if ciphertextHex == "" || ivHex == "" || tagHex == "" {
		return nil, fmt.Errorf("ciphertext, iv, and auth tag are all required")
	}
	ciphertext, err := util.HexDecode(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := util.HexDecode(ivHex)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}
	tag, err := util.HexDecode(tagHex)
	if err != nil {
		return nil, fmt.Errorf("decoding auth tag: %w", err)
	}

	plaintext, err := util.DecryptAESGCM(ciphertext, key, nonce, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// IsAuthenticationError reports whether err is (or wraps) ErrAuthentication.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// GenerateSalt returns a fresh hex-encoded 16-byte salt.
func GenerateSalt() (string, error) {
	return GenerateSecureRandom(SaltSize)
}

// GenerateIV returns a fresh hex-encoded 12-byte GCM IV.
func GenerateIV() (string, error) {
	return GenerateSecureRandom(IVSize)
}

// GenerateSecureRandom returns length cryptographically random bytes,
// hex-encoded.
func GenerateSecureRandom(length int) (string, error) {
	b, err := util.RandomBytes(length)
	if err != nil {
		return "", err
	}
	return util.HexEncode(b), nil
}
