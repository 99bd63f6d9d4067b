package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListBackups returns the backup files in the engine directory, newest first.
func (e *Engine) ListBackups() ([]Info, error) {
	dirEntries, err := os.ReadDir(e.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var infos []Info
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".backup") {
			continue
		}
		info, err := e.GetBackupInfo(filepath.Join(e.dir, de.Name()))
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModTime.After(infos[j].ModTime)
	})
	return infos, nil
}

// GetBackupInfo summarizes a backup file. It parses only headers and
// metadata, never the secret payload, so info can be shown without a
// password. Encrypted backups expose file-level details only.
func (e *Engine) GetBackupInfo(path string) (Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("reading backup file: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("reading backup file: %w", err)
	}

	info := Info{
		Name:    filepath.Base(path),
		Path:    path,
		Size:    stat.Size(),
		ModTime: stat.ModTime(),
	}

	if bytes.HasPrefix(raw, []byte(EncryptedMarker+recordSeparator)) {
		info.Encrypted = true
		return info, nil
	}

	payload := raw
	if isGzip(payload) {
		info.Compressed = true
		payload, err = gzipDecompress(payload)
		if err != nil {
			return Info{}, fmt.Errorf("decompressing backup: %w", err)
		}
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Info{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedDocument, err)
	}
	info.Version = doc.Version
	info.Timestamp = doc.Timestamp
	info.EntryCount = doc.Metadata.EntryCount
	info.CategoryCount = doc.Metadata.CategoryCount
	return info, nil
}

// DeleteBackup removes a backup file.
func (e *Engine) DeleteBackup(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	return nil
}

// VerifyBackup fully parses and structurally validates a backup without
// applying it. Password is required to verify an encrypted backup's payload;
// without one only the record structure is checked.
func (e *Engine) VerifyBackup(path, password string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading backup file: %w", err)
	}

	if bytes.HasPrefix(raw, []byte(EncryptedMarker+recordSeparator)) && password == "" {
		parts := strings.Split(strings.TrimSpace(string(raw)), recordSeparator)
		if len(parts) != 5 {
			return fmt.Errorf("truncated encrypted backup record: expected 5 segments, got %d", len(parts))
		}
		for i, segment := range parts[1:] {
			if segment == "" {
				return fmt.Errorf("truncated encrypted backup record: empty segment %d", i+1)
			}
		}
		return nil
	}

	doc, errs := e.readDocument(path, password)
	if doc == nil {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	if doc.Version > DocumentVersion {
		return fmt.Errorf("unsupported backup document version %d", doc.Version)
	}
	for _, entry := range doc.Entries {
		if entry.ID == "" {
			return fmt.Errorf("%w: entry with empty ID", ErrMalformedDocument)
		}
	}
	return nil
}
