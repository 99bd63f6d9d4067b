package util

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	AESKeySize = 32
	GCMIVSize  = 12
	GCMTagSize = 16
)

// EncryptAESGCM encrypts plainText with AES-256-GCM under the given IV and
// returns the ciphertext and authentication tag separately, so callers can
// persist them as distinct fields.
func EncryptAESGCM(plainText, rawKey, iv []byte) (cipherText, tag []byte, err error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), gcm.NonceSize())
	}

	// Seal appends the tag to the ciphertext.
	sealed := gcm.Seal(nil, iv, plainText, nil)
	split := len(sealed) - GCMTagSize
	return sealed[:split], sealed[split:], nil
}

// DecryptAESGCM decrypts a ciphertext produced by EncryptAESGCM. A tag that
// does not verify (tampering or wrong key) fails; no partial plaintext is
// ever returned.
func DecryptAESGCM(cipherText, rawKey, iv, tag []byte) ([]byte, error) {
	gcm, err := newGCM(rawKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), gcm.NonceSize())
	}
	if len(tag) != GCMTagSize {
		return nil, fmt.Errorf("invalid auth tag size: got %d, want %d", len(tag), GCMTagSize)
	}

	sealed := make([]byte, 0, len(cipherText)+len(tag))
	sealed = append(sealed, cipherText...)
	sealed = append(sealed, tag...)

	plainText, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}

func newGCM(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != AESKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), AESKeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func NewAESKey() ([]byte, error) {
	return RandomBytes(AESKeySize)
}
