package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/keyfort/keyfort/storage"
	"github.com/keyfort/keyfort/vault"
)

// Storage keys. Queue and conflict list are each one JSON value, written as
// a full replacement on every change.
const (
	KeyPendingOperations = "sync_pending_operations"
	KeyConflicts         = "sync_conflicts"
)

const (
	defaultMaxQueue   = 100
	defaultMaxRetries = 3
)

// Engine is the sync and conflict engine.
type Engine struct {
	kv       storage.KVStore
	remote   Remote
	local    LocalStore
	strategy Strategy
	logger   *slog.Logger

	maxQueue   int
	maxRetries int
	now        func() time.Time

	mu      sync.Mutex
	syncing bool
	online  bool

	retry       backoff.BackOff
	nextRetryAt time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategy sets the conflict auto-resolution strategy.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithMaxQueue bounds the pending-operation queue; the oldest operation is
// dropped beyond it.
func WithMaxQueue(n int) Option {
	return func(e *Engine) { e.maxQueue = n }
}

// WithMaxRetries sets the per-operation retry budget.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a sync Engine persisting through kv, reconciling against
// remote, and applying remote-won conflicts through local.
func NewEngine(kv storage.KVStore, remote Remote, local LocalStore, opts ...Option) *Engine {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retries are bounded per operation, not by wall time

	e := &Engine{
		kv:         kv,
		remote:     remote,
		local:      local,
		strategy:   LatestTimestamp,
		logger:     slog.Default(),
		maxQueue:   defaultMaxQueue,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
		retry:      bo,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddPendingOperation appends a mutation to the bounded queue and persists
// it. When online and idle, it triggers a sync pass immediately; the pass
// result is returned alongside the operation.
func (e *Engine) AddPendingOperation(ctx context.Context, opType OperationType, entryID string, entry *vault.CredentialEntry) (*PendingOperation, *Result, error) {
	switch opType {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, nil, fmt.Errorf("unknown operation type %q", opType)
	}
	if entryID == "" {
		return nil, nil, fmt.Errorf("entry ID is required")
	}
	if (opType == OpCreate || opType == OpUpdate) && entry == nil {
		return nil, nil, fmt.Errorf("%s operation requires entry data", opType)
	}

	op := &PendingOperation{
		ID:        uuid.NewString(),
		Type:      opType,
		EntryID:   entryID,
		Entry:     entry.Clone(),
		Timestamp: e.now(),
	}

	e.mu.Lock()
	queue, err := e.loadQueue()
	if err != nil {
		e.mu.Unlock()
		return nil, nil, err
	}
	queue = append(queue, op)
	for len(queue) > e.maxQueue {
		e.logger.Warn("pending queue full, dropping oldest operation", "op", queue[0].ID)
		queue = queue[1:]
	}
	if err := e.saveQueue(queue); err != nil {
		e.mu.Unlock()
		return nil, nil, err
	}
	trigger := e.online && !e.syncing
	e.mu.Unlock()

	if !trigger {
		return op, nil, nil
	}
	result := e.PerformSync(ctx)
	return op, &result, nil
}

// UpdateOnlineStatus transitions connectivity. Coming online with a
// non-empty queue and no sync in progress triggers a sync pass, whose result
// is returned; otherwise the result is nil.
func (e *Engine) UpdateOnlineStatus(ctx context.Context, online bool) *Result {
	e.mu.Lock()
	wasOnline := e.online
	e.online = online
	var pending int
	if queue, err := e.loadQueue(); err == nil {
		pending = len(queue)
	}
	trigger := online && !wasOnline && pending > 0 && !e.syncing
	e.mu.Unlock()

	if !trigger {
		return nil
	}
	result := e.PerformSync(ctx)
	return &result
}

// Online reports current connectivity.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// PerformSync runs one sync pass over a snapshot of the pending queue. It is
// mutually exclusive: a second call while one is in progress returns an
// explicit already-syncing result instead of queuing silently.
func (e *Engine) PerformSync(ctx context.Context) Result {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return Result{AlreadySyncing: true, Errors: []string{"sync already in progress"}}
	}
	if !e.online {
		e.mu.Unlock()
		return Result{Errors: []string{"not online"}}
	}
	e.syncing = true
	queue, err := e.loadQueue()
	if err != nil {
		e.syncing = false
		e.mu.Unlock()
		return Result{Errors: []string{err.Error()}}
	}
	snapshot := make([]*PendingOperation, len(queue))
	copy(snapshot, queue)
	e.mu.Unlock()

	// The flag is cleared on every exit path so a failed pass cannot wedge
	// future syncs.
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	var result Result
	consumed := make(map[string]struct{})
	retried := make(map[string]*PendingOperation)

	for _, op := range snapshot {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sync interrupted: %v", err))
			break
		}

		synced, conflicted, err := e.processOperation(ctx, op, &result)
		switch {
		case err != nil:
			op.RetryCount++
			if op.RetryCount >= e.maxRetries {
				consumed[op.ID] = struct{}{}
				result.Errors = append(result.Errors,
					fmt.Sprintf("operation %s (%s %s): %v: %v", op.ID, op.Type, op.EntryID, ErrRetryExhausted, err))
				e.logger.Warn("dropping operation after exhausted retries", "op", op.ID, "error", err)
			} else {
				retried[op.ID] = op
				result.Errors = append(result.Errors,
					fmt.Sprintf("operation %s (%s %s): %v", op.ID, op.Type, op.EntryID, err))
			}
		case synced:
			consumed[op.ID] = struct{}{}
			result.SyncedOperations++
		case conflicted:
			consumed[op.ID] = struct{}{}
			result.NewConflicts++
		}
	}

	// Reconcile against the live queue, not the snapshot: operations that
	// were added while this pass ran must survive it. Only the operations
	// this pass actually consumed are removed; retried ones carry their
	// updated retry count.
	e.mu.Lock()
	saveErr := func() error {
		current, err := e.loadQueue()
		if err != nil {
			return err
		}
		kept := current[:0]
		for _, op := range current {
			if _, ok := consumed[op.ID]; ok {
				continue
			}
			if updated, ok := retried[op.ID]; ok {
				op = updated
			}
			kept = append(kept, op)
		}
		return e.saveQueue(kept)
	}()
	e.mu.Unlock()
	if saveErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("persisting queue: %v", saveErr))
	}

	result.Success = len(result.Errors) == 0
	e.noteOutcome(result.Success)
	return result
}

// processOperation reconciles one operation against the remote. It returns
// synced=true when the operation applied, conflicted=true when it raised a
// conflict (resolved or recorded), and an error for retryable failures.
func (e *Engine) processOperation(ctx context.Context, op *PendingOperation, result *Result) (synced, conflicted bool, err error) {
	remote, err := e.remote.FetchEntry(ctx, op.EntryID)
	if err != nil && !errors.Is(err, ErrRemoteNotFound) {
		return false, false, fmt.Errorf("fetching remote entry: %w", err)
	}

	// The remote diverged if it was modified after the operation was queued.
	if remote != nil && remote.UpdatedAt.After(op.Timestamp) {
		conflict := &Conflict{
			ID:        uuid.NewString(),
			EntryID:   op.EntryID,
			Local:     op.Entry,
			Remote:    remote,
			Type:      conflictTypeFor(op.Type),
			Timestamp: e.now(),
		}
		if e.strategy == Manual {
			if err := e.appendConflict(conflict); err != nil {
				return false, false, err
			}
			e.logger.Info("conflict recorded for manual resolution", "entry", op.EntryID)
			return false, true, nil
		}
		if err := e.autoResolve(ctx, conflict); err != nil {
			return false, false, fmt.Errorf("resolving conflict: %w", err)
		}
		return false, true, nil
	}

	if err := e.apply(ctx, op); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func (e *Engine) apply(ctx context.Context, op *PendingOperation) error {
	switch op.Type {
	case OpCreate, OpUpdate:
		return e.remote.PushEntry(ctx, op.Entry)
	case OpDelete:
		err := e.remote.DeleteEntry(ctx, op.EntryID)
		if errors.Is(err, ErrRemoteNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// autoResolve applies the configured strategy immediately, producing a single
// authoritative entry on both sides.
func (e *Engine) autoResolve(ctx context.Context, conflict *Conflict) error {
	winner := conflict.Local
	switch e.strategy {
	case LocalWins:
	case RemoteWins:
		winner = conflict.Remote
	case LatestTimestamp:
		if conflict.Local == nil || (conflict.Remote != nil && conflict.Remote.UpdatedAt.After(conflict.Local.UpdatedAt)) {
			winner = conflict.Remote
		}
	default:
		return fmt.Errorf("unknown strategy %q", e.strategy)
	}

	if winner == nil {
		// A delete conflict the local side won: the entry goes away.
		if err := e.remote.DeleteEntry(ctx, conflict.EntryID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
			return err
		}
		return e.local.DeleteEntry(ctx, conflict.EntryID)
	}
	if err := e.remote.PushEntry(ctx, winner); err != nil {
		return err
	}
	return e.local.SaveEntry(ctx, winner)
}

// ResolveConflict resolves a recorded conflict exactly once. choice selects
// the local entry, the remote entry, or a caller-supplied merged entry.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, choice Resolution, merged *vault.CredentialEntry) error {
	e.mu.Lock()
	conflicts, err := e.loadConflicts()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	idx := -1
	for i, c := range conflicts {
		if c.ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", conflictID, ErrConflictNotFound)
	}
	conflict := conflicts[idx]
	e.mu.Unlock()

	var winner *vault.CredentialEntry
	switch choice {
	case ResolveLocal:
		winner = conflict.Local
	case ResolveRemote:
		winner = conflict.Remote
	case ResolveMerge:
		if merged == nil {
			return fmt.Errorf("merge resolution requires a merged entry")
		}
		winner = merged
	default:
		return fmt.Errorf("unknown resolution %q", choice)
	}

	if winner == nil {
		if err := e.remote.DeleteEntry(ctx, conflict.EntryID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
			return err
		}
		if err := e.local.DeleteEntry(ctx, conflict.EntryID); err != nil {
			return err
		}
	} else {
		if err := e.remote.PushEntry(ctx, winner); err != nil {
			return err
		}
		if err := e.local.SaveEntry(ctx, winner); err != nil {
			return err
		}
	}

	// Resolution removes the conflict record.
	e.mu.Lock()
	defer e.mu.Unlock()
	conflicts, err = e.loadConflicts()
	if err != nil {
		return err
	}
	kept := conflicts[:0]
	for _, c := range conflicts {
		if c.ID != conflictID {
			kept = append(kept, c)
		}
	}
	return e.saveConflicts(kept)
}

// StartAutoSync runs interval-triggered sync passes until ctx is cancelled.
// Passes run only when online, idle, and the queue is non-empty; after a
// failing pass the next attempt is pushed out by exponential backoff.
func (e *Engine) StartAutoSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.shouldAutoSync() {
				continue
			}
			result := e.PerformSync(ctx)
			if result.AlreadySyncing {
				continue
			}
			e.logger.Debug("auto-sync pass finished",
				"synced", result.SyncedOperations,
				"conflicts", result.NewConflicts,
				"errors", len(result.Errors))
		}
	}
}

func (e *Engine) shouldAutoSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.online || e.syncing {
		return false
	}
	if e.now().Before(e.nextRetryAt) {
		return false
	}
	queue, err := e.loadQueue()
	if err != nil {
		return false
	}
	return len(queue) > 0
}

func (e *Engine) noteOutcome(success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.retry.Reset()
		e.nextRetryAt = time.Time{}
		return
	}
	e.nextRetryAt = e.now().Add(e.retry.NextBackOff())
}

// PendingOperations returns a snapshot of the persisted queue.
func (e *Engine) PendingOperations() ([]*PendingOperation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadQueue()
}

// Conflicts returns a snapshot of the unresolved conflicts.
func (e *Engine) Conflicts() ([]*Conflict, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadConflicts()
}

func conflictTypeFor(op OperationType) ConflictType {
	if op == OpDelete {
		return ConflictDelete
	}
	return ConflictUpdate
}
