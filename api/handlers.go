package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyfort/keyfort/backup"
)

type healthResponse struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Unlocked          bool `json:"unlocked"`
	SyncOnline        bool `json:"online"`
	PendingOperations int  `json:"pendingOperations"`
	Conflicts         int  `json:"conflicts"`
}

type syncResponse struct {
	Success          bool     `json:"success"`
	AlreadySyncing   bool     `json:"alreadySyncing"`
	SyncedOperations int      `json:"syncedOperations"`
	NewConflicts     int      `json:"newConflicts"`
	Errors           []string `json:"errors,omitempty"`
}

type backupInfoResponse struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	ModTime       time.Time `json:"modTime"`
	Encrypted     bool      `json:"encrypted"`
	Compressed    bool      `json:"compressed"`
	Version       int       `json:"version,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitzero"`
	EntryCount    int       `json:"entryCount"`
	CategoryCount int       `json:"categoryCount"`
}

type createBackupRequest struct {
	Filename         string `json:"filename"`
	Compress         bool   `json:"compress"`
	Encrypt          bool   `json:"encrypt"`
	Password         string `json:"password"`
	IncludeSettings  bool   `json:"includeSettings"`
	IncludePasswords bool   `json:"includePasswords"`
}

type createBackupResponse struct {
	Success bool     `json:"success"`
	Path    string   `json:"path,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type restoreBackupRequest struct {
	Password            string `json:"password"`
	Strategy            string `json:"strategy"`
	RestoreSettings     bool   `json:"restoreSettings"`
	RestoreCategories   bool   `json:"restoreCategories"`
	OverwriteDuplicates bool   `json:"overwriteDuplicates"`
}

type restoreBackupResponse struct {
	Success       bool     `json:"success"`
	RestoredCount int      `json:"restoredCount"`
	SkippedCount  int      `json:"skippedCount"`
	Errors        []string `json:"errors,omitempty"`
}

// Health reports process liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Status reports lock state and the sync engine's queue depth.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	_, unlocked := a.keys.CachedSecret()

	pending, err := a.sync.PendingOperations()
	if err != nil {
		mapError(w, err)
		return
	}
	conflicts, err := a.sync.Conflicts()
	if err != nil {
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Unlocked:          unlocked,
		SyncOnline:        a.sync.Online(),
		PendingOperations: len(pending),
		Conflicts:         len(conflicts),
	})
}

// TriggerSync runs one manual sync pass.
func (a *API) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result := a.sync.PerformSync(r.Context())
	status := http.StatusOK
	if result.AlreadySyncing {
		status = http.StatusConflict
	}
	writeJSON(w, status, syncResponse{
		Success:          result.Success,
		AlreadySyncing:   result.AlreadySyncing,
		SyncedOperations: result.SyncedOperations,
		NewConflicts:     result.NewConflicts,
		Errors:           result.Errors,
	})
}

// ListBackups returns the backup files in the configured directory, newest
// first.
func (a *API) ListBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := a.backups.ListBackups()
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]backupInfoResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, toInfoResponse(info))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateBackup assembles and writes a new backup from the current vault
// contents.
func (a *API) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	material, err := a.keys.Generate(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}

	entries, err := a.store.ListEntries(material.Key)
	if err != nil {
		mapError(w, err)
		return
	}
	categories, err := a.store.LoadCategories(material.Key)
	if err != nil {
		mapError(w, err)
		return
	}
	settings, err := a.store.LoadSettings()
	if err != nil {
		mapError(w, err)
		return
	}

	opts := backup.DefaultCreateOptions()
	opts.Filename = req.Filename
	opts.Compress = req.Compress
	opts.Encrypt = req.Encrypt
	opts.Password = req.Password
	opts.IncludeSettings = req.IncludeSettings
	opts.IncludePasswords = req.IncludePasswords

	result := a.backups.CreateBackup(r.Context(), entries, categories, settings, opts)
	status := http.StatusCreated
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, createBackupResponse{
		Success: result.Success,
		Path:    result.Path,
		Errors:  result.Errors,
	})
}

// GetBackup returns metadata for one backup file.
func (a *API) GetBackup(w http.ResponseWriter, r *http.Request) {
	info, ok := a.findBackup(w, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toInfoResponse(info))
}

// DeleteBackup removes one backup file.
func (a *API) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	info, ok := a.findBackup(w, chi.URLParam(r, "name"))
	if !ok {
		return
	}
	if err := a.backups.DeleteBackup(info.Path); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreBackup applies a backup file against the vault.
func (a *API) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	info, ok := a.findBackup(w, chi.URLParam(r, "name"))
	if !ok {
		return
	}

	var req restoreBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	material, err := a.keys.Generate(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}

	result := a.backups.RestoreFromBackup(r.Context(), info.Path, material.Key, backup.RestoreOptions{
		Password:            req.Password,
		Strategy:            backup.MergeStrategy(req.Strategy),
		RestoreSettings:     req.RestoreSettings,
		RestoreCategories:   req.RestoreCategories,
		OverwriteDuplicates: req.OverwriteDuplicates,
	})
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, restoreBackupResponse{
		Success:       result.Success,
		RestoredCount: result.RestoredCount,
		SkippedCount:  result.SkippedCount,
		Errors:        result.Errors,
	})
}

// findBackup resolves a backup by file name against the engine's directory
// listing. Resolving through the listing keeps arbitrary paths out of reach.
func (a *API) findBackup(w http.ResponseWriter, name string) (backup.Info, bool) {
	infos, err := a.backups.ListBackups()
	if err != nil {
		mapError(w, err)
		return backup.Info{}, false
	}
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	writeError(w, http.StatusNotFound, "backup not found")
	return backup.Info{}, false
}

func toInfoResponse(info backup.Info) backupInfoResponse {
	return backupInfoResponse{
		Name:          info.Name,
		Size:          info.Size,
		ModTime:       info.ModTime,
		Encrypted:     info.Encrypted,
		Compressed:    info.Compressed,
		Version:       info.Version,
		Timestamp:     info.Timestamp,
		EntryCount:    info.EntryCount,
		CategoryCount: info.CategoryCount,
	}
}
