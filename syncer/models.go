// Package syncer queues offline vault mutations, detects and resolves
// conflicts against a remote copy, and retries failures. Operation-level
// errors are captured per item; a sync pass never panics past its own
// boundary.
package syncer

import (
	"errors"
	"time"

	"github.com/keyfort/keyfort/vault"
)

var (
	// ErrRemoteNotFound is returned by a Remote when the entry does not exist.
	ErrRemoteNotFound = errors.New("remote entry not found")
	// ErrRetryExhausted marks an operation abandoned after repeated failures.
	ErrRetryExhausted = errors.New("retry budget exhausted")
	// ErrConflictNotFound is returned when resolving an unknown conflict.
	ErrConflictNotFound = errors.New("conflict not found")
)

// OperationType identifies a queued mutation.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// PendingOperation is a locally queued, not-yet-confirmed mutation. It is
// persisted so it survives process restarts.
type PendingOperation struct {
	ID         string                 `json:"id"`
	Type       OperationType          `json:"type"`
	EntryID    string                 `json:"entryId"`
	Entry      *vault.CredentialEntry `json:"entryData,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	RetryCount int                    `json:"retryCount"`
}

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	ConflictUpdate ConflictType = "update_conflict"
	ConflictDelete ConflictType = "delete_conflict"
)

// Conflict records a divergence between a pending operation's assumed base
// state and the actual remote state. Resolved exactly once.
type Conflict struct {
	ID        string                 `json:"id"`
	EntryID   string                 `json:"entryId"`
	Local     *vault.CredentialEntry `json:"localEntry,omitempty"`
	Remote    *vault.CredentialEntry `json:"remoteEntry,omitempty"`
	Type      ConflictType           `json:"conflictType"`
	Timestamp time.Time              `json:"timestamp"`
}

// Strategy selects how detected conflicts are resolved.
type Strategy string

const (
	// LocalWins pushes the local entry over the remote one.
	LocalWins Strategy = "local_wins"
	// RemoteWins adopts the remote entry locally.
	RemoteWins Strategy = "remote_wins"
	// LatestTimestamp lets the entry with the greater UpdatedAt win.
	LatestTimestamp Strategy = "latest_timestamp"
	// Manual leaves conflicts for explicit ResolveConflict calls.
	Manual Strategy = "manual"
)

// Resolution is the caller's choice when resolving a manual conflict.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveMerge  Resolution = "merge"
)

// Result aggregates the outcome of one sync pass.
type Result struct {
	Success          bool
	AlreadySyncing   bool
	SyncedOperations int
	NewConflicts     int
	Errors           []string
}
