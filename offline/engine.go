// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config holds tunables for the sync engine and the cache-first facade.
type Config struct {
	DrainInterval  time.Duration // periodic drain while online
	RefreshTimeout time.Duration // per background remote query
	BackoffMin     time.Duration // first retry delay for a failed entry
	BackoffMax     time.Duration // retry delay ceiling
	MaxAttempts    int           // failures before an entry goes dead
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:  30 * time.Second,
		RefreshTimeout: 10 * time.Second,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		MaxAttempts:    10,
	}
}

// Engine owns the durability contract: every mutation goes through the Local
// Store plus the sync queue, and queued mutations are replayed against the
// remote store whenever connectivity allows. Engines are explicit constructed
// objects, not package singletons; tests run several isolated instances.
type Engine struct {
	store   *Store
	remote  RemoteStore
	monitor *Monitor
	updates *Bus[RefreshEvent]
	config  *Config
	logger  *slog.Logger

	draining atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
}

// New wires an engine to its store, remote, and connectivity monitor. The
// monitor's online transition is hooked to an automatic drain.
func New(store *Store, remote RemoteStore, monitor *Monitor, config *Config, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:   store,
		remote:  remote,
		monitor: monitor,
		updates: NewBus[RefreshEvent](),
		config:  config,
		logger:  logger,
	}
	monitor.setDrainHook(func() {
		if err := e.SyncAll(context.Background()); err != nil {
			e.logger.Warn("reconnect drain failed", "error", err)
		}
	})
	return e
}

// Store exposes the engine's local store to domain accessors that only read.
func (e *Engine) Store() *Store { return e.store }

// Monitor exposes the connectivity monitor for UI subscriptions.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Start launches the periodic drain loop. Stop (or cancelling ctx) tears it
// down. Start while already running is a no-op; Stop allows a later restart.
func (e *Engine) Start(ctx context.Context) {
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.drainLoop(ctx)
}

// Stop cancels the periodic drain loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.config.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SyncAll(ctx); err != nil {
				e.logger.Warn("periodic drain failed", "error", err)
			}
		}
	}
}

// SaveLocally is the single write entry point for all domain accessors. It
// persists the mutation in the Local Store, appends a sync queue entry, and,
// when online, schedules an immediate best-effort drain without blocking the
// caller. The returned id is the record's current id (a fresh local id for
// creates that arrived without one).
func (e *Engine) SaveLocally(ctx context.Context, collection string, op Op, rec Record) (string, error) {
	if !op.valid() {
		return "", fmt.Errorf("offline: invalid operation %q", op)
	}
	id, _ := rec["id"].(string)

	switch op {
	case OpCreate:
		if id == "" {
			id = NewLocalID()
		}
		if err := e.store.Put(ctx, collection, id, rec); err != nil {
			return "", err
		}
	case OpUpdate:
		if id == "" {
			return "", fmt.Errorf("offline: update in %s requires an id", collection)
		}
		if err := e.store.Update(ctx, collection, id, rec); err != nil {
			return "", err
		}
	case OpDelete:
		if id == "" {
			return "", fmt.Errorf("offline: delete in %s requires an id", collection)
		}
		if err := e.store.Delete(ctx, collection, id); err != nil {
			return "", err
		}
	}

	data := cloneRecord(rec)
	data["id"] = id
	delete(data, "synced")
	if op == OpDelete {
		data = Record{"id": id}
	}
	if _, err := e.store.AppendEntry(ctx, collection, op, data); err != nil {
		return "", err
	}

	if e.monitor.IsOnline() {
		go func() {
			if err := e.SyncAll(context.Background()); err != nil {
				e.logger.Warn("post-save drain failed", "collection", collection, "error", err)
			}
		}()
	}
	return id, nil
}

// SyncAll drains all pending queue entries in insertion order. It is a
// strict no-op while offline or while another drain is in flight, so
// overlapping triggers (timer, reconnect, post-save) never double-process an
// entry. Remote failures never escape: each failing entry is logged, gets a
// backoff, and the drain moves on.
func (e *Engine) SyncAll(ctx context.Context) error {
	if !e.monitor.IsOnline() {
		return nil
	}
	if !e.draining.CompareAndSwap(0, 1) {
		return nil
	}
	defer e.draining.Store(0)

	entries, err := e.store.PendingEntries(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to load pending entries: %w", err)
	}
	// Identity renames performed by this drain. Later entries in the same
	// batch were snapshotted before the create migrated, so their payloads
	// still hold the old local id; the map bridges that gap (the persisted
	// queue rows were already rewritten inside the migration transaction).
	renames := make(map[string]string)
	for i := range entries {
		entry := &entries[i]
		if err := e.syncEntry(ctx, entry, renames); err != nil {
			if errors.Is(err, errDeferred) {
				e.logger.Debug("entry deferred",
					"collection", entry.Collection, "op", entry.Op, "entry", entry.ID)
				continue
			}
			e.logger.Warn("sync entry failed",
				"collection", entry.Collection, "op", entry.Op, "entry", entry.ID, "error", err)
			e.failEntry(ctx, entry, err)
		}
	}
	return nil
}

func (e *Engine) syncEntry(ctx context.Context, entry *QueueEntry, renames map[string]string) error {
	switch entry.Op {
	case OpCreate:
		return e.syncCreate(ctx, entry, renames)
	case OpUpdate:
		return e.syncUpdate(ctx, entry, renames)
	case OpDelete:
		return e.syncDelete(ctx, entry, renames)
	default:
		// Unknown op in a persisted queue: park it for the operator.
		return fmt.Errorf("offline: unknown queued op %q", entry.Op)
	}
}

func renameKey(collection, id string) string { return collection + "/" + id }

// syncCreate writes the record to the remote store and, when it was created
// under a local id, migrates the Local Store record to the remote-assigned
// id. Still-pending entries referencing the local id are rewritten to the
// remote id inside the migration transaction, so queued updates/deletes
// replay against the real identity instead of being dropped.
func (e *Engine) syncCreate(ctx context.Context, entry *QueueEntry, renames map[string]string) error {
	localID, _ := entry.Data["id"].(string)

	payload := cloneRecord(entry.Data)
	delete(payload, "synced")
	if IsLocalID(localID) {
		delete(payload, "id")
	}

	remoteID, err := e.remote.CreateDocument(ctx, entry.Collection, payload)
	if err != nil {
		return fmt.Errorf("remote create failed: %w", err)
	}

	if IsLocalID(localID) {
		// Prefer the current local record: it carries merges applied after
		// this entry was queued.
		current, err := e.store.Get(ctx, entry.Collection, localID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			current = cloneRecord(entry.Data)
		}
		if err := e.store.MigrateIdentity(ctx, entry.Collection, localID, remoteID, current); err != nil {
			return err
		}
		renames[renameKey(entry.Collection, localID)] = remoteID
	} else if err := e.store.MarkSynced(ctx, entry.Collection, localID); err != nil {
		return err
	}

	return e.store.MarkEntrySynced(ctx, entry.ID)
}

// syncUpdate replays an update against the remote record. An update whose id
// is still local means its create has not succeeded yet (the create's
// migration would have rewritten this entry); it stays pending for the next
// drain instead of hitting the remote store with an id it never assigned.
func (e *Engine) syncUpdate(ctx context.Context, entry *QueueEntry, renames map[string]string) error {
	id, _ := entry.Data["id"].(string)
	if id == "" {
		return fmt.Errorf("offline: queued update without id in %s", entry.Collection)
	}
	if remoteID, ok := renames[renameKey(entry.Collection, id)]; ok {
		id = remoteID
	}
	if IsLocalID(id) {
		return errDeferred
	}

	partial := cloneRecord(entry.Data)
	delete(partial, "id")
	delete(partial, "synced")
	if err := e.remote.UpdateDocument(ctx, entry.Collection, id, partial); err != nil {
		return fmt.Errorf("remote update failed: %w", err)
	}
	if err := e.store.MarkSynced(ctx, entry.Collection, id); err != nil {
		return err
	}
	return e.store.MarkEntrySynced(ctx, entry.ID)
}

// syncDelete removes the remote record. A delete still referencing a local
// id waits while its create is pending; once the create is gone (never
// synced, or dead-lettered) there is nothing remote to delete and the entry
// resolves locally. Either way the local record is removed again: when the
// record was created and deleted within one offline window, the create's
// replay re-inserts it under the remote id, and the delete must take that
// resurrected row back out.
func (e *Engine) syncDelete(ctx context.Context, entry *QueueEntry, renames map[string]string) error {
	id, _ := entry.Data["id"].(string)
	if id == "" {
		return fmt.Errorf("offline: queued delete without id in %s", entry.Collection)
	}
	if remoteID, ok := renames[renameKey(entry.Collection, id)]; ok {
		id = remoteID
	}
	if IsLocalID(id) {
		pending, err := e.store.hasPendingCreate(ctx, entry.Collection, id)
		if err != nil {
			return err
		}
		if pending {
			return errDeferred
		}
		if err := e.store.Delete(ctx, entry.Collection, id); err != nil {
			return err
		}
		return e.store.MarkEntrySynced(ctx, entry.ID)
	}

	if err := e.remote.DeleteDocument(ctx, entry.Collection, id); err != nil {
		return fmt.Errorf("remote delete failed: %w", err)
	}
	if err := e.store.Delete(ctx, entry.Collection, id); err != nil {
		return err
	}
	return e.store.MarkEntrySynced(ctx, entry.ID)
}

// failEntry books a failed attempt: exponential backoff between BackoffMin
// and BackoffMax, dead-letter once MaxAttempts is exhausted.
func (e *Engine) failEntry(ctx context.Context, entry *QueueEntry, cause error) {
	backoff := e.config.BackoffMin << entry.Attempts
	if backoff > e.config.BackoffMax || backoff <= 0 {
		backoff = e.config.BackoffMax
	}
	dead := entry.Attempts+1 >= e.config.MaxAttempts
	if dead {
		e.logger.Error("queue entry dead-lettered",
			"collection", entry.Collection, "op", entry.Op, "entry", entry.ID,
			"attempts", entry.Attempts+1, "error", cause)
	}
	if err := e.store.RecordEntryFailure(ctx, entry.ID, cause.Error(), time.Now().Add(backoff), dead); err != nil {
		e.logger.Error("failed to record entry failure", "entry", entry.ID, "error", err)
	}
}

// DeadLetters lists entries that exhausted their retry budget.
func (e *Engine) DeadLetters(ctx context.Context) ([]QueueEntry, error) {
	return e.store.DeadLetters(ctx)
}

// Requeue returns a dead-lettered entry to the live queue.
func (e *Engine) Requeue(ctx context.Context, entryID string) error {
	return e.store.RequeueEntry(ctx, entryID)
}
