package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfort/keyfort/storage/memory"
	"github.com/keyfort/keyfort/vault"
)

type fakeLocal struct {
	entries map[string]*vault.CredentialEntry
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{entries: make(map[string]*vault.CredentialEntry)}
}

func (f *fakeLocal) SaveEntry(_ context.Context, entry *vault.CredentialEntry) error {
	f.entries[entry.ID] = entry.Clone()
	return nil
}

func (f *fakeLocal) DeleteEntry(_ context.Context, entryID string) error {
	delete(f.entries, entryID)
	return nil
}

func testEntry(id string, updatedAt time.Time) *vault.CredentialEntry {
	return &vault.CredentialEntry{
		ID:        id,
		Domain:    "example.com",
		Username:  "user@" + id,
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *MemoryRemote, *fakeLocal) {
	t.Helper()
	remote := NewMemoryRemote()
	local := newFakeLocal()
	engine := NewEngine(memory.NewStore(), remote, local, opts...)
	return engine, remote, local
}

func TestOfflineQueueDrainsOnReconnect(t *testing.T) {
	engine, remote, _ := newTestEngine(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		entry := testEntry(fmt.Sprintf("entry-%d", i), base)
		op, result, err := engine.AddPendingOperation(ctx, OpCreate, entry.ID, entry)
		require.NoError(t, err)
		require.NotNil(t, op)
		assert.Nil(t, result, "offline add must not trigger a sync pass")
	}

	queue, err := engine.PendingOperations()
	require.NoError(t, err)
	require.Len(t, queue, 3)

	result := engine.UpdateOnlineStatus(ctx, true)
	require.NotNil(t, result, "coming online with pending work must trigger a pass")
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.SyncedOperations)
	assert.Zero(t, result.NewConflicts)

	queue, err = engine.PendingOperations()
	require.NoError(t, err)
	assert.Empty(t, queue)

	for i := 0; i < 3; i++ {
		assert.NotNil(t, remote.Get(fmt.Sprintf("entry-%d", i)))
	}
}

func TestAddWhileOnlineSyncsInline(t *testing.T) {
	engine, remote, _ := newTestEngine(t)
	ctx := context.Background()
	engine.UpdateOnlineStatus(ctx, true)

	entry := testEntry("inline", time.Now())
	op, result, err := engine.AddPendingOperation(ctx, OpUpdate, entry.ID, entry)
	require.NoError(t, err)
	require.NotNil(t, op)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.SyncedOperations)
	assert.NotNil(t, remote.Get("inline"))
}

func TestAddPendingOperationValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, _, err := engine.AddPendingOperation(ctx, "rename", "id", nil)
	assert.Error(t, err)

	_, _, err = engine.AddPendingOperation(ctx, OpCreate, "", testEntry("x", time.Now()))
	assert.Error(t, err)

	_, _, err = engine.AddPendingOperation(ctx, OpUpdate, "x", nil)
	assert.Error(t, err)

	_, _, err = engine.AddPendingOperation(ctx, OpDelete, "x", nil)
	assert.NoError(t, err, "delete carries no entry data")
}

func TestQueueBounded(t *testing.T) {
	engine, _, _ := newTestEngine(t, WithMaxQueue(5))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		entry := testEntry(fmt.Sprintf("entry-%d", i), time.Now())
		_, _, err := engine.AddPendingOperation(ctx, OpCreate, entry.ID, entry)
		require.NoError(t, err)
	}

	queue, err := engine.PendingOperations()
	require.NoError(t, err)
	require.Len(t, queue, 5)
	assert.Equal(t, "entry-3", queue[0].EntryID, "oldest operations are dropped first")
	assert.Equal(t, "entry-7", queue[4].EntryID)
}

func TestQueueSurvivesRestart(t *testing.T) {
	kv := memory.NewStore()
	remote := NewMemoryRemote()
	engine := NewEngine(kv, remote, newFakeLocal())
	ctx := context.Background()

	entry := testEntry("persisted", time.Now())
	_, _, err := engine.AddPendingOperation(ctx, OpCreate, entry.ID, entry)
	require.NoError(t, err)

	reopened := NewEngine(kv, remote, newFakeLocal())
	queue, err := reopened.PendingOperations()
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "persisted", queue[0].EntryID)
	assert.Equal(t, OpCreate, queue[0].Type)
}

func TestNoConflictWhenRemoteOlder(t *testing.T) {
	engine, remote, _ := newTestEngine(t)
	ctx := context.Background()

	opTime := time.Now()
	remote.Seed(testEntry("shared", opTime.Add(-time.Minute)))
	engine.UpdateOnlineStatus(ctx, true)

	entry := testEntry("shared", opTime)
	_, result, err := engine.AddPendingOperation(ctx, OpUpdate, entry.ID, entry)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.SyncedOperations)
	assert.Zero(t, result.NewConflicts)
	assert.Equal(t, entry.Username, remote.Get("shared").Username)
}

func TestConflictWhenRemoteNewer(t *testing.T) {
	engine, remote, local := newTestEngine(t, WithStrategy(RemoteWins))
	ctx := context.Background()

	opTime := time.Now()
	remoteEntry := testEntry("shared", opTime.Add(time.Minute))
	remoteEntry.Username = "remote-user"
	remote.Seed(remoteEntry)
	engine.UpdateOnlineStatus(ctx, true)

	localEntry := testEntry("shared", opTime)
	localEntry.Username = "local-user"
	_, result, err := engine.AddPendingOperation(ctx, OpUpdate, localEntry.ID, localEntry)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Zero(t, result.SyncedOperations)
	assert.Equal(t, 1, result.NewConflicts)

	assert.Equal(t, "remote-user", remote.Get("shared").Username)
	require.Contains(t, local.entries, "shared")
	assert.Equal(t, "remote-user", local.entries["shared"].Username)
}

func TestLocalWinsStrategy(t *testing.T) {
	engine, remote, local := newTestEngine(t, WithStrategy(LocalWins))
	ctx := context.Background()

	opTime := time.Now()
	remoteEntry := testEntry("shared", opTime.Add(time.Minute))
	remoteEntry.Username = "remote-user"
	remote.Seed(remoteEntry)
	engine.UpdateOnlineStatus(ctx, true)

	localEntry := testEntry("shared", opTime)
	localEntry.Username = "local-user"
	_, result, err := engine.AddPendingOperation(ctx, OpUpdate, localEntry.ID, localEntry)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.NewConflicts)

	assert.Equal(t, "local-user", remote.Get("shared").Username)
	assert.Equal(t, "local-user", local.entries["shared"].Username)
}

func TestLatestTimestampStrategy(t *testing.T) {
	t.Run("remote newer", func(t *testing.T) {
		engine, remote, _ := newTestEngine(t, WithStrategy(LatestTimestamp))
		ctx := context.Background()

		opTime := time.Now()
		remoteEntry := testEntry("shared", opTime.Add(2*time.Minute))
		remoteEntry.Username = "remote-user"
		remote.Seed(remoteEntry)
		engine.UpdateOnlineStatus(ctx, true)

		localEntry := testEntry("shared", opTime)
		localEntry.Username = "local-user"
		_, _, err := engine.AddPendingOperation(ctx, OpUpdate, localEntry.ID, localEntry)
		require.NoError(t, err)
		assert.Equal(t, "remote-user", remote.Get("shared").Username)
	})

	t.Run("local newer", func(t *testing.T) {
		// Pin the engine clock so the operation is queued before the remote's
		// UpdatedAt, forcing conflict detection, while the local entry itself
		// carries the latest timestamp.
		opTime := time.Now().Add(-time.Hour)
		engine, remote, _ := newTestEngine(t,
			WithStrategy(LatestTimestamp),
			WithClock(func() time.Time { return opTime }))
		ctx := context.Background()

		remoteEntry := testEntry("shared", opTime.Add(time.Minute))
		remoteEntry.Username = "remote-user"
		remote.Seed(remoteEntry)
		engine.UpdateOnlineStatus(ctx, true)

		localEntry := testEntry("shared", opTime.Add(5*time.Minute))
		localEntry.Username = "local-user"
		_, result, err := engine.AddPendingOperation(ctx, OpUpdate, localEntry.ID, localEntry)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, 1, result.NewConflicts)
		assert.Equal(t, "local-user", remote.Get("shared").Username)
	})
}

func TestManualStrategyRecordsConflict(t *testing.T) {
	engine, remote, local := newTestEngine(t, WithStrategy(Manual))
	ctx := context.Background()

	opTime := time.Now()
	remoteEntry := testEntry("shared", opTime.Add(time.Minute))
	remoteEntry.Username = "remote-user"
	remote.Seed(remoteEntry)
	engine.UpdateOnlineStatus(ctx, true)

	localEntry := testEntry("shared", opTime)
	localEntry.Username = "local-user"
	_, result, err := engine.AddPendingOperation(ctx, OpUpdate, localEntry.ID, localEntry)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.NewConflicts)

	conflicts, err := engine.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	conflict := conflicts[0]
	assert.Equal(t, "shared", conflict.EntryID)
	assert.Equal(t, ConflictUpdate, conflict.Type)
	assert.Equal(t, "local-user", conflict.Local.Username)
	assert.Equal(t, "remote-user", conflict.Remote.Username)

	// Neither side changed until the caller resolves.
	assert.Equal(t, "remote-user", remote.Get("shared").Username)
	assert.NotContains(t, local.entries, "shared")

	require.NoError(t, engine.ResolveConflict(ctx, conflict.ID, ResolveLocal, nil))
	assert.Equal(t, "local-user", remote.Get("shared").Username)
	assert.Equal(t, "local-user", local.entries["shared"].Username)

	conflicts, err = engine.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts, "resolution removes the conflict record")

	err = engine.ResolveConflict(ctx, conflict.ID, ResolveLocal, nil)
	assert.ErrorIs(t, err, ErrConflictNotFound, "a conflict resolves exactly once")
}

func TestResolveConflictMerge(t *testing.T) {
	engine, remote, local := newTestEngine(t, WithStrategy(Manual))
	ctx := context.Background()

	opTime := time.Now()
	remote.Seed(testEntry("shared", opTime.Add(time.Minute)))
	engine.UpdateOnlineStatus(ctx, true)

	_, _, err := engine.AddPendingOperation(ctx, OpUpdate, "shared", testEntry("shared", opTime))
	require.NoError(t, err)

	conflicts, err := engine.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	err = engine.ResolveConflict(ctx, conflicts[0].ID, ResolveMerge, nil)
	assert.Error(t, err, "merge resolution requires an entry")

	merged := testEntry("shared", time.Now())
	merged.Username = "merged-user"
	require.NoError(t, engine.ResolveConflict(ctx, conflicts[0].ID, ResolveMerge, merged))
	assert.Equal(t, "merged-user", remote.Get("shared").Username)
	assert.Equal(t, "merged-user", local.entries["shared"].Username)
}

func TestDeleteConflict(t *testing.T) {
	engine, remote, _ := newTestEngine(t, WithStrategy(Manual))
	ctx := context.Background()

	opTime := time.Now()
	remote.Seed(testEntry("doomed", opTime.Add(time.Minute)))
	engine.UpdateOnlineStatus(ctx, true)

	_, result, err := engine.AddPendingOperation(ctx, OpDelete, "doomed", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.NewConflicts)

	conflicts, err := engine.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictDelete, conflicts[0].Type)
	assert.Nil(t, conflicts[0].Local)

	require.NoError(t, engine.ResolveConflict(ctx, conflicts[0].ID, ResolveLocal, nil))
	assert.Nil(t, remote.Get("doomed"), "local delete wins")
}

func TestDeleteMissingRemoteSucceeds(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	engine.UpdateOnlineStatus(ctx, true)

	_, result, err := engine.AddPendingOperation(ctx, OpDelete, "never-existed", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.SyncedOperations)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	engine, remote, _ := newTestEngine(t, WithMaxRetries(3))
	ctx := context.Background()

	entry := testEntry("flaky", time.Now())
	_, _, err := engine.AddPendingOperation(ctx, OpCreate, entry.ID, entry)
	require.NoError(t, err)
	engine.mu.Lock()
	engine.online = true
	engine.mu.Unlock()

	remote.Fail = errors.New("remote unavailable")

	for pass := 1; pass <= 2; pass++ {
		result := engine.PerformSync(ctx)
		assert.False(t, result.Success)
		require.NotEmpty(t, result.Errors)

		queue, err := engine.PendingOperations()
		require.NoError(t, err)
		require.Len(t, queue, 1, "operation stays queued while budget remains")
		assert.Equal(t, pass, queue[0].RetryCount)
	}

	result := engine.PerformSync(ctx)
	assert.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], ErrRetryExhausted.Error())

	queue, err := engine.PendingOperations()
	require.NoError(t, err)
	assert.Empty(t, queue, "exhausted operation is dropped")
}

// gatedRemote blocks FetchEntry until released, letting tests interleave
// work with an in-flight sync pass.
type gatedRemote struct {
	*MemoryRemote
	entered chan struct{}
	release chan struct{}
}

func newGatedRemote() *gatedRemote {
	return &gatedRemote{
		MemoryRemote: NewMemoryRemote(),
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
}

func (g *gatedRemote) FetchEntry(ctx context.Context, entryID string) (*vault.CredentialEntry, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryRemote.FetchEntry(ctx, entryID)
}

func TestOperationAddedMidPassSurvives(t *testing.T) {
	remote := newGatedRemote()
	engine := NewEngine(memory.NewStore(), remote, newFakeLocal())
	ctx := context.Background()
	engine.UpdateOnlineStatus(ctx, true)

	type addOutcome struct {
		result *Result
		err    error
	}
	done := make(chan addOutcome, 1)
	go func() {
		e1 := testEntry("e1", time.Now())
		_, result, err := engine.AddPendingOperation(ctx, OpCreate, e1.ID, e1)
		done <- addOutcome{result, err}
	}()

	select {
	case <-remote.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("sync pass never reached the remote")
	}

	// The pass for e1 is blocked in FetchEntry; queue e2 behind it.
	e2 := testEntry("e2", time.Now())
	_, result, err := engine.AddPendingOperation(ctx, OpUpdate, e2.ID, e2)
	require.NoError(t, err)
	assert.Nil(t, result, "a pass in flight must not trigger another")

	queue, err := engine.PendingOperations()
	require.NoError(t, err)
	require.Len(t, queue, 2)

	close(remote.release)
	select {
	case outcome := <-done:
		require.NoError(t, outcome.err)
		require.NotNil(t, outcome.result)
		assert.True(t, outcome.result.Success)
		assert.Equal(t, 1, outcome.result.SyncedOperations)
	case <-time.After(5 * time.Second):
		t.Fatal("sync pass did not finish")
	}

	queue, err = engine.PendingOperations()
	require.NoError(t, err)
	require.Len(t, queue, 1, "operation queued during the pass must survive it")
	assert.Equal(t, "e2", queue[0].EntryID)

	drain := engine.PerformSync(ctx)
	assert.True(t, drain.Success)
	assert.NotNil(t, remote.Get("e2"))

	queue, err = engine.PendingOperations()
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestPerformSyncMutualExclusion(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	engine.mu.Lock()
	engine.online = true
	engine.syncing = true
	engine.mu.Unlock()

	result := engine.PerformSync(ctx)
	assert.True(t, result.AlreadySyncing)
	assert.Zero(t, result.SyncedOperations)

	engine.mu.Lock()
	engine.syncing = false
	engine.mu.Unlock()

	result = engine.PerformSync(ctx)
	assert.False(t, result.AlreadySyncing)
}

func TestPerformSyncWhileOffline(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	result := engine.PerformSync(context.Background())
	assert.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "not online")
}

func TestSyncPassClearsSyncingFlagAfterFailure(t *testing.T) {
	engine, remote, _ := newTestEngine(t)
	ctx := context.Background()

	entry := testEntry("flaky", time.Now())
	_, _, err := engine.AddPendingOperation(ctx, OpCreate, entry.ID, entry)
	require.NoError(t, err)
	engine.mu.Lock()
	engine.online = true
	engine.mu.Unlock()

	remote.Fail = errors.New("remote unavailable")
	result := engine.PerformSync(ctx)
	assert.False(t, result.Success)

	remote.Fail = nil
	result = engine.PerformSync(ctx)
	assert.False(t, result.AlreadySyncing, "a failed pass must not wedge the engine")
	assert.True(t, result.Success)
}
