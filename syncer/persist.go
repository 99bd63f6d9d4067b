package syncer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keyfort/keyfort/storage"
)

// Queue and conflict persistence. Callers hold e.mu; every write is a full
// replacement of the stored JSON value.

func (e *Engine) loadQueue() ([]*PendingOperation, error) {
	raw, err := e.kv.GetItem(KeyPendingOperations)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading pending operations: %w", err)
	}
	var queue []*PendingOperation
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, fmt.Errorf("decoding pending operations: %w", err)
	}
	return queue, nil
}

func (e *Engine) saveQueue(queue []*PendingOperation) error {
	if len(queue) == 0 {
		err := e.kv.RemoveItem(KeyPendingOperations)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encoding pending operations: %w", err)
	}
	return e.kv.SetItem(KeyPendingOperations, string(raw))
}

func (e *Engine) loadConflicts() ([]*Conflict, error) {
	raw, err := e.kv.GetItem(KeyConflicts)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conflicts: %w", err)
	}
	var conflicts []*Conflict
	if err := json.Unmarshal([]byte(raw), &conflicts); err != nil {
		return nil, fmt.Errorf("decoding conflicts: %w", err)
	}
	return conflicts, nil
}

func (e *Engine) saveConflicts(conflicts []*Conflict) error {
	if len(conflicts) == 0 {
		err := e.kv.RemoveItem(KeyConflicts)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	raw, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("encoding conflicts: %w", err)
	}
	return e.kv.SetItem(KeyConflicts, string(raw))
}

func (e *Engine) appendConflict(conflict *Conflict) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	conflicts, err := e.loadConflicts()
	if err != nil {
		return err
	}
	return e.saveConflicts(append(conflicts, conflict))
}
