package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keyfort/keyfort/crypto"
	"github.com/keyfort/keyfort/internal/util"
	"github.com/keyfort/keyfort/vault"
)

// Engine creates and restores backup files in a directory.
type Engine struct {
	dir   string
	store *vault.Store
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a backup Engine writing to dir and restoring through the
// given vault store.
func NewEngine(dir string, store *vault.Store, opts ...Option) *Engine {
	e := &Engine{
		dir:   dir,
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateBackup assembles a Document from the given vault contents and writes
// it. Writing is the last step: a write failure surfaces as Success=false
// with the I/O error recorded, and no file claims success.
func (e *Engine) CreateBackup(ctx context.Context, entries []*vault.CredentialEntry, categories []vault.Category, settings vault.Settings, opts CreateOptions) Result {
	if err := ctx.Err(); err != nil {
		return Result{Errors: []string{err.Error()}}
	}
	if opts.Encrypt && opts.Password == "" {
		return Result{Errors: []string{"encryption password is required when encryption is enabled"}}
	}

	doc := e.assemble(entries, categories, settings, opts)

	payload, err := json.Marshal(doc)
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("serializing backup document: %v", err)}}
	}

	// Compress before any encryption step: encrypted output is
	// incompressible, and the reverse ordering wastes cycles.
	if opts.Compress {
		payload, err = gzipCompress(payload)
		if err != nil {
			return Result{Errors: []string{fmt.Sprintf("compressing backup: %v", err)}}
		}
	}

	if opts.Encrypt {
		line, err := encryptPayload(payload, opts.Password)
		if err != nil {
			return Result{Errors: []string{fmt.Sprintf("encrypting backup: %v", err)}}
		}
		payload = []byte(line)
	}

	dir := e.dir
	if opts.CustomPath != "" {
		dir = opts.CustomPath
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Result{Errors: []string{fmt.Sprintf("creating backup directory: %v", err)}}
	}

	path := filepath.Join(dir, e.GenerateBackupName(opts.Filename))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return Result{Errors: []string{fmt.Sprintf("writing backup file: %v", err)}}
	}

	return Result{Success: true, Path: path}
}

func (e *Engine) assemble(entries []*vault.CredentialEntry, categories []vault.Category, settings vault.Settings, opts CreateOptions) *Document {
	docEntries := make([]*vault.CredentialEntry, 0, len(entries))
	for _, entry := range entries {
		cp := entry.Clone()
		cp.Plaintext = ""
		if !opts.IncludePasswords {
			// Redaction strips every secret-bearing field, not just the
			// password. Notes on a credential are secrets too.
			cp.Password = crypto.EncryptedBlob{}
			cp.Notes = ""
		}
		docEntries = append(docEntries, cp)
	}

	doc := &Document{
		Version:    DocumentVersion,
		Timestamp:  e.now().UTC(),
		Entries:    docEntries,
		Categories: categories,
		Metadata: Metadata{
			EntryCount:    len(docEntries),
			CategoryCount: len(categories),
			Encryption:    encryptionNone,
			Compression:   compressionNone,
			Platform:      platformName,
		},
	}
	if opts.IncludeSettings {
		doc.Settings = &settings
	}
	if opts.Compress {
		doc.Metadata.Compression = compressionGzip
	}
	if opts.Encrypt {
		doc.Metadata.Encryption = encryptionAESGCM
	}
	return doc
}

// encryptPayload derives a key from the password at the standard (high-cost)
// profile under a fresh salt and produces the delimited encrypted record.
func encryptPayload(payload []byte, password string) (string, error) {
	saltHex, err := crypto.GenerateSalt()
	if err != nil {
		return "", err
	}
	key, err := crypto.DeriveKeyHex(password, saltHex, crypto.StandardIterations)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)

	blob, err := crypto.Encrypt(payload, key)
	if err != nil {
		return "", err
	}

	return strings.Join([]string{EncryptedMarker, saltHex, blob.IV, blob.Ciphertext, blob.AuthTag}, recordSeparator), nil
}

// GenerateBackupName produces a deterministic backup filename:
// "<custom>.backup", or "password-backup-<timestamp>.backup" when no custom
// name is given.
func (e *Engine) GenerateBackupName(custom string) string {
	if custom != "" {
		return sanitizeName(strings.TrimSuffix(custom, ".backup")) + ".backup"
	}
	return "password-backup-" + e.now().UTC().Format("2006-01-02T15-04-05") + ".backup"
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, name)
}

// EstimateBackupSize returns the approximate on-disk size in bytes of a
// backup created with the given contents and options.
func (e *Engine) EstimateBackupSize(entries []*vault.CredentialEntry, categories []vault.Category, settings vault.Settings, opts CreateOptions) (int, error) {
	doc := e.assemble(entries, categories, settings, opts)
	payload, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	if opts.Compress {
		payload, err = gzipCompress(payload)
		if err != nil {
			return 0, err
		}
	}
	size := len(payload)
	if opts.Encrypt {
		// Hex doubles the payload; marker, salt, IV, tag, and separators add
		// a fixed overhead.
		size = size*2 + len(EncryptedMarker) + crypto.SaltSize*2 + crypto.IVSize*2 + 16*2 + 4
	}
	return size, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
