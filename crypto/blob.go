package crypto

// EncryptedBlob is the unit exchanged and stored wherever a secret is
// persisted. All fields are hex-encoded. Salt is present when the blob was
// encrypted with a key derived specifically for it (per-credential autofill
// entries) and absent when the blob shares the vault-wide master key.
type EncryptedBlob struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"tag"`
	Salt       string `json:"salt,omitempty"`
}

// IsZero reports whether the blob carries no data at all.
func (b EncryptedBlob) IsZero() bool {
	return b.Ciphertext == "" && b.IV == "" && b.AuthTag == "" && b.Salt == ""
}

// Complete reports whether all three required components are present.
func (b EncryptedBlob) Complete() bool {
	return b.Ciphertext != "" && b.IV != "" && b.AuthTag != ""
}
