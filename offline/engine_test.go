// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type remoteCall struct {
	Collection string
	ID         string
	Data       Record
}

// fakeRemote records every call, in the spirit of the fake HTTP transports
// the sync client is tested with. Hooks inject failures; gate, when set,
// blocks create calls until released to simulate a slow remote.
type fakeRemote struct {
	mu      sync.Mutex
	creates []remoteCall
	updates []remoteCall
	deletes []remoteCall
	queries int
	nextID  int

	createHook func(collection string, data Record) error
	updateHook func(collection, id string) error
	queryHook  func(collection string) error
	queryDocs  map[string][]Record
	gate       chan struct{}
}

func (f *fakeRemote) CreateDocument(ctx context.Context, collection string, data Record) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createHook != nil {
		if err := f.createHook(collection, data); err != nil {
			return "", err
		}
	}
	f.nextID++
	id := fmt.Sprintf("srv_%d", f.nextID)
	f.creates = append(f.creates, remoteCall{Collection: collection, ID: id, Data: cloneRecord(data)})
	return id, nil
}

func (f *fakeRemote) UpdateDocument(ctx context.Context, collection, id string, partial Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateHook != nil {
		if err := f.updateHook(collection, id); err != nil {
			return err
		}
	}
	f.updates = append(f.updates, remoteCall{Collection: collection, ID: id, Data: cloneRecord(partial)})
	return nil
}

func (f *fakeRemote) DeleteDocument(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, remoteCall{Collection: collection, ID: id})
	return nil
}

func (f *fakeRemote) QueryDocuments(ctx context.Context, collection string, filters []Filter, order []Order) ([]Record, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryHook != nil {
		if err := f.queryHook(collection); err != nil {
			return nil, err
		}
	}
	return f.queryDocs[collection], nil
}

func (f *fakeRemote) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeRemote) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func testConfig() *Config {
	return &Config{
		DrainInterval:  time.Hour, // periodic drain driven manually in tests
		RefreshTimeout: time.Second,
		BackoffMin:     5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func newTestEngine(t *testing.T, online bool) (*Engine, *fakeRemote) {
	t.Helper()
	store := newTestStore(t)
	remote := &fakeRemote{}
	engine := New(store, remote, NewMonitor(online), testConfig(), nil)
	return engine, remote
}

func TestOfflineCreateIsDurable(t *testing.T) {
	engine, remote := newTestEngine(t, false)
	ctx := context.Background()

	id, err := engine.SaveLocally(ctx, CollectionCustomers, OpCreate, Record{"name": "Ana", "phone": "111"})
	require.NoError(t, err)
	require.True(t, IsLocalID(id))

	all, err := engine.Store().GetAll(ctx, CollectionCustomers)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, id, all[0]["id"])
	require.Equal(t, false, all[0]["synced"])

	pending, err := engine.Store().PendingEntries(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, OpCreate, pending[0].Op)
	require.False(t, pending[0].Synced)

	require.Zero(t, remote.createCount())
}

func TestReconnectDrainsAndMigratesIdentity(t *testing.T) {
	engine, remote := newTestEngine(t, false)
	ctx := context.Background()

	localID, err := engine.SaveLocally(ctx, CollectionCustomers, OpCreate, Record{"name": "Ana", "phone": "111"})
	require.NoError(t, err)

	engine.Monitor().SetOnline(true)

	require.Eventually(t, func() bool { return remote.createCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		all, err := engine.Store().GetAll(ctx, CollectionCustomers)
		if err != nil || len(all) != 1 {
			return false
		}
		return all[0]["id"] == "srv_1" && all[0]["synced"] == true
	}, 2*time.Second, 10*time.Millisecond)

	remote.mu.Lock()
	created := remote.creates[0]
	remote.mu.Unlock()
	require.Equal(t, CollectionCustomers, created.Collection)
	require.Equal(t, "Ana", created.Data["name"])
	require.Equal(t, "111", created.Data["phone"])
	// The local id never leaves the device.
	require.NotContains(t, created.Data, "id")

	_, err = engine.Store().Get(ctx, CollectionCustomers, localID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentDrainsCollapse(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{gate: make(chan struct{})}
	engine := New(store, remote, NewMonitor(true), testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, CollectionCustomers, "local_1_a", Record{"id": "local_1_a", "name": "Ana"}))
	_, err := store.AppendEntry(ctx, CollectionCustomers, OpCreate, Record{"id": "local_1_a", "name": "Ana"})
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- engine.SyncAll(ctx) }()
	}
	// Give both drains a chance to race on the guard, then release the slow
	// remote call.
	time.Sleep(50 * time.Millisecond)
	close(remote.gate)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	// A second drain after the first finished must find nothing to do.
	require.NoError(t, engine.SyncAll(ctx))
	require.Equal(t, 1, remote.createCount())
}

func TestUpdateBeforeCreateReplaysAfterMigration(t *testing.T) {
	engine, remote := newTestEngine(t, false)
	ctx := context.Background()

	localID, err := engine.SaveLocally(ctx, CollectionVisits, OpCreate, Record{"customerId": "c1", "checkIn": "09:00"})
	require.NoError(t, err)
	_, err = engine.SaveLocally(ctx, CollectionVisits, OpUpdate, Record{"id": localID, "checkOut": "11:30"})
	require.NoError(t, err)

	// Still offline: merged locally, two pending entries.
	rec, err := engine.Store().Get(ctx, CollectionVisits, localID)
	require.NoError(t, err)
	require.Equal(t, "11:30", rec["checkOut"])
	pending, err := engine.Store().PendingEntries(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 2)

	engine.Monitor().SetOnline(true)
	require.NoError(t, engine.SyncAll(ctx))
	require.Eventually(t, func() bool {
		stats, err := engine.Store().Stats(ctx)
		return err == nil && stats.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The create migrated the identity and rewrote the queued update, so the
	// update replayed against the remote id instead of being dropped.
	remote.mu.Lock()
	updates := append([]remoteCall(nil), remote.updates...)
	remote.mu.Unlock()
	require.Len(t, updates, 1)
	require.Equal(t, "srv_1", updates[0].ID)
	require.Equal(t, "11:30", updates[0].Data["checkOut"])

	migrated, err := engine.Store().Get(ctx, CollectionVisits, "srv_1")
	require.NoError(t, err)
	require.Equal(t, "11:30", migrated["checkOut"])
	require.Equal(t, true, migrated["synced"])
}

func TestUpdateStillLocalIsDeferredNotFailed(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{
		createHook: func(string, Record) error { return fmt.Errorf("remote store down") },
	}
	engine := New(store, remote, NewMonitor(true), testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, CollectionVisits, "local_1_a", Record{"id": "local_1_a"}))
	_, err := store.AppendEntry(ctx, CollectionVisits, OpCreate, Record{"id": "local_1_a"})
	require.NoError(t, err)
	_, err = store.AppendEntry(ctx, CollectionVisits, OpUpdate, Record{"id": "local_1_a", "checkOut": "11:30"})
	require.NoError(t, err)

	require.NoError(t, engine.SyncAll(ctx))

	// The create failed, so the update could not be rewritten; it must stay
	// pending with no attempt booked against it.
	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.False(t, e.Synced)
		if e.Op == OpUpdate {
			require.Equal(t, 0, e.Attempts)
		}
		if e.Op == OpCreate {
			require.Equal(t, 1, e.Attempts)
			require.Contains(t, e.LastError, "remote store down")
		}
	}
}

func TestPartialFailureContinuesBatch(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{
		createHook: func(_ string, data Record) error {
			if data["name"] == "two" {
				return fmt.Errorf("simulated remote failure")
			}
			return nil
		},
	}
	engine := New(store, remote, NewMonitor(true), testConfig(), nil)
	ctx := context.Background()

	var entryIDs []string
	for _, name := range []string{"one", "two", "three"} {
		id := NewLocalID()
		require.NoError(t, store.Put(ctx, CollectionCustomers, id, Record{"id": id, "name": name}))
		entryID, err := store.AppendEntry(ctx, CollectionCustomers, OpCreate, Record{"id": id, "name": name})
		require.NoError(t, err)
		entryIDs = append(entryIDs, entryID)
	}

	require.NoError(t, engine.SyncAll(ctx))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	byID := map[string]QueueEntry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	require.True(t, byID[entryIDs[0]].Synced)
	require.False(t, byID[entryIDs[1]].Synced)
	require.Equal(t, 1, byID[entryIDs[1]].Attempts)
	require.True(t, byID[entryIDs[2]].Synced)
	require.Equal(t, 2, remote.createCount())
}

func TestPermanentFailureDeadLettersAndRequeues(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{
		createHook: func(string, Record) error { return fmt.Errorf("schema rejected") },
	}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	engine := New(store, remote, NewMonitor(true), cfg, nil)
	ctx := context.Background()

	id := NewLocalID()
	require.NoError(t, store.Put(ctx, CollectionPackages, id, Record{"id": id, "hours": 10}))
	_, err := store.AppendEntry(ctx, CollectionPackages, OpCreate, Record{"id": id, "hours": 10})
	require.NoError(t, err)

	for i := 0; i < cfg.MaxAttempts; i++ {
		time.Sleep(cfg.BackoffMax + 5*time.Millisecond)
		require.NoError(t, engine.SyncAll(ctx))
	}

	dead, err := engine.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].LastError, "schema rejected")

	// Dead entries are excluded from drains until requeued.
	time.Sleep(cfg.BackoffMax + 5*time.Millisecond)
	attempts := dead[0].Attempts
	require.NoError(t, engine.SyncAll(ctx))
	dead, err = engine.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, attempts, dead[0].Attempts)

	require.NoError(t, engine.Requeue(ctx, dead[0].ID))
	pending, err := store.PendingEntries(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDeleteWithRemoteID(t *testing.T) {
	engine, remote := newTestEngine(t, false)
	ctx := context.Background()

	require.NoError(t, engine.Store().Put(ctx, CollectionChildren, "srv_7", Record{"id": "srv_7", "name": "Davi"}))
	_, err := engine.SaveLocally(ctx, CollectionChildren, OpDelete, Record{"id": "srv_7"})
	require.NoError(t, err)

	_, err = engine.Store().Get(ctx, CollectionChildren, "srv_7")
	require.ErrorIs(t, err, ErrNotFound)

	engine.Monitor().SetOnline(true)
	require.NoError(t, engine.SyncAll(ctx))
	require.Eventually(t, func() bool {
		stats, err := engine.Store().Stats(ctx)
		return err == nil && stats.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	remote.mu.Lock()
	deletes := append([]remoteCall(nil), remote.deletes...)
	remote.mu.Unlock()
	require.Len(t, deletes, 1)
	require.Equal(t, "srv_7", deletes[0].ID)
}

func TestOfflineCreateThenDeleteDoesNotResurrect(t *testing.T) {
	engine, remote := newTestEngine(t, false)
	ctx := context.Background()

	id, err := engine.SaveLocally(ctx, CollectionCustomers, OpCreate, Record{"name": "Ana"})
	require.NoError(t, err)
	_, err = engine.SaveLocally(ctx, CollectionCustomers, OpDelete, Record{"id": id})
	require.NoError(t, err)

	engine.Monitor().SetOnline(true)
	require.NoError(t, engine.SyncAll(ctx))
	require.Eventually(t, func() bool {
		stats, err := engine.Store().Stats(ctx)
		return err == nil && stats.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The create's replay re-inserted the record under the remote id; the
	// delete's replay must take it out again, not just delete remotely.
	all, err := engine.Store().GetAll(ctx, CollectionCustomers)
	require.NoError(t, err)
	require.Empty(t, all)

	require.Equal(t, 1, remote.createCount())
	remote.mu.Lock()
	deleteCalls := len(remote.deletes)
	remote.mu.Unlock()
	require.Equal(t, 1, deleteCalls)
}

func TestDeleteWaitsForLongBackedOffCreate(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{}
	engine := New(store, remote, NewMonitor(true), testConfig(), nil)
	ctx := context.Background()

	id := NewLocalID()
	require.NoError(t, store.Put(ctx, CollectionPackages, id, Record{"id": id}))
	createID, err := store.AppendEntry(ctx, CollectionPackages, OpCreate, Record{"id": id})
	require.NoError(t, err)
	_, err = store.AppendEntry(ctx, CollectionPackages, OpDelete, Record{"id": id})
	require.NoError(t, err)
	// Park the create far outside any drain window.
	require.NoError(t, store.RecordEntryFailure(ctx, createID, "remote store down", time.Now().Add(72*time.Hour), false))

	require.NoError(t, engine.SyncAll(ctx))

	// The create is backed off but still alive, so the delete must keep
	// waiting for it instead of resolving locally while the create later
	// replays and recreates the record remotely.
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
	require.Zero(t, remote.createCount())
	remote.mu.Lock()
	deleteCalls := len(remote.deletes)
	remote.mu.Unlock()
	require.Zero(t, deleteCalls)
}

func TestDeleteAfterDeadCreateResolvesLocally(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{
		createHook: func(string, Record) error { return fmt.Errorf("schema rejected") },
	}
	cfg := testConfig()
	cfg.MaxAttempts = 1
	engine := New(store, remote, NewMonitor(true), cfg, nil)
	ctx := context.Background()

	id := NewLocalID()
	require.NoError(t, store.Put(ctx, CollectionPackages, id, Record{"id": id}))
	_, err := store.AppendEntry(ctx, CollectionPackages, OpCreate, Record{"id": id})
	require.NoError(t, err)
	_, err = store.AppendEntry(ctx, CollectionPackages, OpDelete, Record{"id": id})
	require.NoError(t, err)

	// One drain: the create dead-letters first (MaxAttempts=1), so by the
	// time the delete is processed no live create references the local id
	// and it resolves locally without a remote call.
	require.NoError(t, engine.SyncAll(ctx))

	remote.mu.Lock()
	deleteCalls := len(remote.deletes)
	remote.mu.Unlock()
	require.Zero(t, deleteCalls)
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Dead)
	require.Zero(t, stats.Pending)
	require.Equal(t, 1, stats.Synced)
}

func TestSaveLocallyOnlineTriggersImmediateDrain(t *testing.T) {
	engine, remote := newTestEngine(t, true)
	ctx := context.Background()

	_, err := engine.SaveLocally(ctx, CollectionPayments, OpCreate, Record{"amount": 50})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return remote.createCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, err := engine.Store().Stats(ctx)
		return err == nil && stats.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateWithRemoteIDSkipsMigration(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{}
	engine := New(store, remote, NewMonitor(true), testConfig(), nil)
	ctx := context.Background()

	// A record that already carries its remote id (e.g. merged from a
	// refresh and re-created through saveLocally) keeps that id.
	require.NoError(t, store.Put(ctx, CollectionSettings, "srv_cfg", Record{"id": "srv_cfg", "theme": "dark"}))
	_, err := store.AppendEntry(ctx, CollectionSettings, OpCreate, Record{"id": "srv_cfg", "theme": "dark"})
	require.NoError(t, err)

	require.NoError(t, engine.SyncAll(ctx))

	rec, err := store.Get(ctx, CollectionSettings, "srv_cfg")
	require.NoError(t, err)
	require.Equal(t, true, rec["synced"])
	remote.mu.Lock()
	created := remote.creates[0]
	remote.mu.Unlock()
	require.Equal(t, "srv_cfg", created.Data["id"])
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{}
	cfg := testConfig()
	cfg.DrainInterval = 20 * time.Millisecond
	engine := New(store, remote, NewMonitor(true), cfg, nil)
	ctx := context.Background()

	engine.Start(ctx)
	engine.Start(ctx)
	engine.Stop()

	// A second Start must not spawn a second loop that survives Stop.
	id := NewLocalID()
	require.NoError(t, store.Put(ctx, CollectionVisits, id, Record{"id": id}))
	_, err := store.AppendEntry(ctx, CollectionVisits, OpCreate, Record{"id": id})
	require.NoError(t, err)
	time.Sleep(3 * cfg.DrainInterval)
	require.Zero(t, remote.createCount())
}

func TestStartStopPeriodicDrain(t *testing.T) {
	store := newTestStore(t)
	remote := &fakeRemote{}
	cfg := testConfig()
	cfg.DrainInterval = 20 * time.Millisecond
	engine := New(store, remote, NewMonitor(true), cfg, nil)
	ctx := context.Background()

	id := NewLocalID()
	require.NoError(t, store.Put(ctx, CollectionVisits, id, Record{"id": id}))
	_, err := store.AppendEntry(ctx, CollectionVisits, OpCreate, Record{"id": id})
	require.NoError(t, err)

	engine.Start(ctx)
	require.Eventually(t, func() bool { return remote.createCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	engine.Stop()

	// Stopped engine must not drain anymore.
	id2 := NewLocalID()
	require.NoError(t, store.Put(ctx, CollectionVisits, id2, Record{"id": id2}))
	_, err = store.AppendEntry(ctx, CollectionVisits, OpCreate, Record{"id": id2})
	require.NoError(t, err)
	time.Sleep(3 * cfg.DrainInterval)
	require.Equal(t, 1, remote.createCount())
}
