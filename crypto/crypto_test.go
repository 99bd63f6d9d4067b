package crypto

import (
	"bytes"
	"encoding/json"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DeriveKey("test-password", []byte("test-salt-bytes!"), StaticIterations)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("the quick brown fox")

	blob, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !blob.Complete() {
		t.Fatal("blob is missing required components")
	}
	if blob.Salt != "" {
		t.Error("Encrypt should not set a salt")
	}

	decrypted, err := Decrypt(blob, key)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Errorf("expected %q, got %q", plaintext, decrypted)
	}
}

func TestEncryptGeneratesFreshIV(t *testing.T) {
	key := testKey(t)
	b1, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b2, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if b1.IV == b2.IV {
		t.Error("two encryptions must not share an IV")
	}
	if b1.Ciphertext == b2.Ciphertext {
		t.Error("fresh IVs must produce distinct ciphertexts")
	}
}

func TestEncryptWithExplicitIV(t *testing.T) {
	key := testKey(t)
	iv := bytes.Repeat([]byte{0x42}, IVSize)

	blob, err := Encrypt([]byte("payload"), key, iv)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if blob.IV != "424242424242424242424242" {
		t.Errorf("unexpected IV encoding: %s", blob.IV)
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	key := testKey(t)
	blob, err := Encrypt([]byte("sensitive data"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	flip := func(hexStr string) string {
		b := []byte(hexStr)
		if b[0] == 'f' {
			b[0] = '0'
		} else {
			b[0] = 'f'
		}
		return string(b)
	}

	tests := []struct {
		name string
		blob EncryptedBlob
	}{
		{"Ciphertext", EncryptedBlob{Ciphertext: flip(blob.Ciphertext), IV: blob.IV, AuthTag: blob.AuthTag}},
		{"IV", EncryptedBlob{Ciphertext: blob.Ciphertext, IV: flip(blob.IV), AuthTag: blob.AuthTag}},
		{"AuthTag", EncryptedBlob{Ciphertext: blob.Ciphertext, IV: blob.IV, AuthTag: flip(blob.AuthTag)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext, err := Decrypt(tt.blob, key)
			if err == nil {
				t.Fatal("expected tamper to be detected")
			}
			if plaintext != nil {
				t.Error("no plaintext may be returned on failure")
			}
			if !IsAuthenticationError(err) {
				t.Errorf("expected ErrAuthentication, got %v", err)
			}
		})
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key := testKey(t)
	blob, err := Encrypt([]byte("sensitive data"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	wrongKey, err := DeriveKey("other-password", []byte("test-salt-bytes!"), StaticIterations)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if _, err := Decrypt(blob, wrongKey); !IsAuthenticationError(err) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
}

func TestDecryptFailsClosed(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name             string
		ct, iv, tag      string
	}{
		{"EmptyComponents", "", "", ""},
		{"MissingTag", "aabb", "aabbccddeeff001122334455", ""},
		{"MalformedHex", "zzzz", "aabbccddeeff001122334455", "00112233445566778899aabbccddeeff"},
		{"TruncatedIV", "aabb", "aabb", "00112233445566778899aabbccddeeff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext, err := DecryptParts(tt.ct, tt.iv, tt.tag, key)
			if err == nil {
				t.Fatal("expected error")
			}
			if plaintext != nil {
				t.Error("no plaintext may be returned on failure")
			}
		})
	}
}

func TestDeriveKeyDeterminism(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1, err := DeriveKey("password", salt, StandardIterations)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey("password", salt, StandardIterations)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveKey must be deterministic")
	}
	if len(k1) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(k1))
	}
}

func TestGenerators(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt failed: %v", err)
	}
	if len(salt) != SaltSize*2 {
		t.Errorf("expected %d hex chars, got %d", SaltSize*2, len(salt))
	}

	iv, err := GenerateIV()
	if err != nil {
		t.Fatalf("GenerateIV failed: %v", err)
	}
	if len(iv) != IVSize*2 {
		t.Errorf("expected %d hex chars, got %d", IVSize*2, len(iv))
	}

	r1, err := GenerateSecureRandom(24)
	if err != nil {
		t.Fatalf("GenerateSecureRandom failed: %v", err)
	}
	r2, _ := GenerateSecureRandom(24)
	if r1 == r2 {
		t.Error("consecutive random values should differ")
	}
}

func TestEncryptedBlobWireShape(t *testing.T) {
	blob := EncryptedBlob{Ciphertext: "aa", IV: "bb", AuthTag: "cc"}
	data, err := json.Marshal(blob)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"ciphertext":"aa","iv":"bb","tag":"cc"}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}

	blob.Salt = "dd"
	data, _ = json.Marshal(blob)
	want = `{"ciphertext":"aa","iv":"bb","tag":"cc","salt":"dd"}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}
