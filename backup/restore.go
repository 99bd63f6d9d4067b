package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/keyfort/keyfort/crypto"
	"github.com/keyfort/keyfort/internal/util"
	"github.com/keyfort/keyfort/vault"
)

// RestoreFromBackup reads, decodes, and applies a backup file against the
// vault store. Nothing is written unless the document parses and merges
// cleanly; a wrong password yields an authentication-class failure with no
// entries restored.
func (e *Engine) RestoreFromBackup(ctx context.Context, path string, masterKey []byte, opts RestoreOptions) RestoreResult {
	if err := ctx.Err(); err != nil {
		return RestoreResult{Errors: []string{err.Error()}}
	}
	if opts.Strategy == "" {
		opts.Strategy = MergeMerge
	}
	switch opts.Strategy {
	case MergeSkip, MergeMerge, MergeReplace:
	default:
		return RestoreResult{Errors: []string{fmt.Sprintf("unknown merge strategy %q", opts.Strategy)}}
	}

	doc, errs := e.readDocument(path, opts.Password)
	if doc == nil {
		return RestoreResult{Errors: errs}
	}

	remapCategories(doc, opts.CategoryMapping)

	existing, err := e.store.ListEntries(masterKey)
	if err != nil {
		return RestoreResult{Errors: []string{fmt.Sprintf("loading existing entries: %v", err)}}
	}

	merged, restored, skipped := mergeEntries(existing, doc.Entries, opts)
	if err := e.store.ReplaceEntries(merged, masterKey); err != nil {
		return RestoreResult{Errors: []string{fmt.Sprintf("persisting restored entries: %v", err)}}
	}

	result := RestoreResult{Success: true, RestoredCount: restored, SkippedCount: skipped}

	if opts.RestoreCategories && len(doc.Categories) > 0 {
		if err := e.store.SaveCategories(doc.Categories, masterKey); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("restoring categories: %v", err))
		}
	}
	if opts.RestoreSettings && doc.Settings != nil {
		if err := e.store.SaveSettings(*doc.Settings); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("restoring settings: %v", err))
		}
	}
	return result
}

// readDocument reads and fully decodes a backup file, reporting each failure
// mode with its own error text: unreadable file, truncated encrypted record,
// wrong password, malformed JSON, and missing required fields are distinct.
func (e *Engine) readDocument(path, password string) (*Document, []string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, []string{fmt.Sprintf("reading backup file: %v", err)}
	}

	payload := raw
	if bytes.HasPrefix(raw, []byte(EncryptedMarker+recordSeparator)) {
		payload, err = decryptRecord(string(raw), password)
		if err != nil {
			return nil, []string{err.Error()}
		}
	}

	if isGzip(payload) {
		payload, err = gzipDecompress(payload)
		if err != nil {
			return nil, []string{fmt.Sprintf("decompressing backup: %v", err)}
		}
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, []string{fmt.Sprintf("%s: invalid JSON: %v", ErrMalformedDocument, err)}
	}
	if doc.Version == 0 || doc.Timestamp.IsZero() || doc.Entries == nil {
		return nil, []string{fmt.Sprintf("%s: missing required top-level fields", ErrMalformedDocument)}
	}
	return &doc, nil
}

// decryptRecord parses the delimited encrypted record, re-derives the key
// from the password and the embedded salt, and decrypts the payload.
func decryptRecord(record, password string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(record), recordSeparator)
	if len(parts) != 5 {
		return nil, fmt.Errorf("truncated encrypted backup record: expected 5 segments, got %d", len(parts))
	}
	if password == "" {
		return nil, fmt.Errorf("backup is encrypted and requires a decryption password")
	}

	saltHex, ivHex, ciphertextHex, tagHex := parts[1], parts[2], parts[3], parts[4]
	key, err := crypto.DeriveKeyHex(password, saltHex, crypto.StandardIterations)
	if err != nil {
		return nil, fmt.Errorf("deriving backup key: %w", err)
	}
	defer util.WipeBytes(key)

	payload, err := crypto.DecryptParts(ciphertextHex, ivHex, tagHex, key)
	if err != nil {
		if crypto.IsAuthenticationError(err) {
			return nil, fmt.Errorf("%w: wrong password or corrupted backup", crypto.ErrAuthentication)
		}
		return nil, fmt.Errorf("decoding encrypted backup: %w", err)
	}
	return payload, nil
}

// remapCategories applies the old-ID to new-ID mapping to every restored
// entry and category. Runs before duplicate detection.
func remapCategories(doc *Document, mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	for _, entry := range doc.Entries {
		if newID, ok := mapping[entry.CategoryID]; ok {
			entry.CategoryID = newID
		}
	}
	for i := range doc.Categories {
		if newID, ok := mapping[doc.Categories[i].ID]; ok {
			doc.Categories[i].ID = newID
		}
	}
}

// mergeEntries reconciles backup entries with existing ones. All strategies
// keep the union; they differ only in who wins an ID collision.
func mergeEntries(existing, incoming []*vault.CredentialEntry, opts RestoreOptions) (merged []*vault.CredentialEntry, restored, skipped int) {
	byID := make(map[string]int, len(existing))
	merged = make([]*vault.CredentialEntry, len(existing))
	copy(merged, existing)
	for i, entry := range merged {
		byID[entry.ID] = i
	}

	for _, entry := range incoming {
		idx, exists := byID[entry.ID]
		if !exists {
			byID[entry.ID] = len(merged)
			merged = append(merged, entry)
			restored++
			continue
		}

		backupWins := false
		switch opts.Strategy {
		case MergeSkip:
		case MergeMerge:
			backupWins = opts.OverwriteDuplicates
		case MergeReplace:
			backupWins = true
		}
		if backupWins {
			merged[idx] = entry
			restored++
		} else {
			skipped++
		}
	}
	return merged, restored, skipped
}
