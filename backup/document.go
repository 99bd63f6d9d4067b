// Package backup serializes the full vault to portable documents, optionally
// compressed and/or password-encrypted, and restores them with configurable
// merge semantics. A backup is always a new immutable document, never a patch.
package backup

import (
	"errors"
	"time"

	"github.com/keyfort/keyfort/vault"
)

// ErrMalformedDocument indicates a backup could not be parsed.
var ErrMalformedDocument = errors.New("malformed backup document")

// DocumentVersion is the current backup document schema version.
const DocumentVersion = 1

// EncryptedMarker is the leading tag of encrypted backup files. The on-disk
// encrypted format is a single delimited line:
//
//	ENCRYPTED_V1:<salt-hex>:<iv-hex>:<ciphertext-hex>:<tag-hex>
const EncryptedMarker = "ENCRYPTED_V1"

const recordSeparator = ":"

// Document is the portable backup payload.
type Document struct {
	Version    int                      `json:"version"`
	Timestamp  time.Time                `json:"timestamp"`
	Entries    []*vault.CredentialEntry `json:"entries"`
	Categories []vault.Category         `json:"categories,omitempty"`
	Settings   *vault.Settings          `json:"settings,omitempty"`
	Metadata   Metadata                 `json:"metadata"`
}

// Metadata describes a document without exposing its secret payload.
type Metadata struct {
	EntryCount    int    `json:"entryCount"`
	CategoryCount int    `json:"categoryCount"`
	Encryption    string `json:"encryption"`
	Compression   string `json:"compression"`
	Platform      string `json:"platform"`
}

const (
	encryptionAESGCM = "aes-256-gcm"
	encryptionNone   = "none"
	compressionGzip  = "gzip"
	compressionNone  = "none"
	platformName     = "go"
)

// MergeStrategy controls how restored entries reconcile with existing ones.
type MergeStrategy string

const (
	// MergeSkip leaves any entry whose ID already exists untouched.
	MergeSkip MergeStrategy = "skip"
	// MergeMerge takes the union; OverwriteDuplicates decides ID collisions.
	MergeMerge MergeStrategy = "merge"
	// MergeReplace discards existing entries sharing an ID in favor of the
	// backup's version.
	MergeReplace MergeStrategy = "replace"
)

// CreateOptions configures backup creation.
type CreateOptions struct {
	IncludeSettings bool
	// IncludePasswords false produces a redacted document with secret fields
	// stripped, for sharing metadata safely.
	IncludePasswords bool
	// IncludeAttachments is recognized for forward compatibility; entries
	// carry no attachments today.
	IncludeAttachments bool
	Compress           bool
	Encrypt            bool
	// Password is required when Encrypt is set.
	Password   string
	Filename   string
	CustomPath string
}

// DefaultCreateOptions returns the options for a full plain backup.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		IncludeSettings:  true,
		IncludePasswords: true,
	}
}

// RestoreOptions configures restoration.
type RestoreOptions struct {
	Strategy            MergeStrategy
	Password            string
	RestoreSettings     bool
	RestoreCategories   bool
	OverwriteDuplicates bool
	// CategoryMapping remaps old category IDs to new ones; it is applied to
	// every restored entry before duplicate detection.
	CategoryMapping map[string]string
}

// Result reports the outcome of a create operation.
type Result struct {
	Success bool
	Path    string
	Errors  []string
}

// RestoreResult reports the outcome of a restore operation.
type RestoreResult struct {
	Success       bool
	RestoredCount int
	SkippedCount  int
	Errors        []string
}

// Info summarizes a backup file without its secret payload.
type Info struct {
	Name          string
	Path          string
	Size          int64
	ModTime       time.Time
	Encrypted     bool
	Compressed    bool
	Version       int
	Timestamp     time.Time
	EntryCount    int
	CategoryCount int
}
