// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is a queued mutation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (op Op) valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// queueTimeFormat keeps a fixed-width fractional second so lexicographic
// ORDER BY on the TEXT column matches chronological order (RFC3339Nano trims
// trailing zeros and breaks that).
const queueTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// QueueEntry is one buffered mutation awaiting replay against the remote
// store. Entries are append-only until marked synced; failures accumulate in
// Attempts/LastError and push NextAttempt forward until the entry goes dead.
type QueueEntry struct {
	ID          string
	Collection  string
	Op          Op
	Data        Record
	QueuedAt    time.Time
	Synced      bool
	Attempts    int
	NextAttempt time.Time
	LastError   string
	Dead        bool
}

// QueueStats summarizes the queue for the operator surface.
type QueueStats struct {
	Pending int
	Synced  int
	Dead    int
}

// AppendEntry records a mutation in the sync queue and returns the entry id.
func (s *Store) AppendEntry(ctx context.Context, collection string, op Op, data Record) (string, error) {
	if err := s.check(collection); err != nil {
		return "", err
	}
	if !op.valid() {
		return "", fmt.Errorf("offline: invalid queue op %q", op)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue payload: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _sync_queue (id, collection, op, payload, queued_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, collection, string(op), string(payload), time.Now().UTC().Format(queueTimeFormat))
	if err != nil {
		return "", fmt.Errorf("failed to append queue entry: %w", err)
	}
	return id, nil
}

// PendingEntries returns live unsynced entries whose backoff window has
// passed, in insertion order.
func (s *Store) PendingEntries(ctx context.Context, now time.Time) ([]QueueEntry, error) {
	if !s.ready.Load() {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, op, payload, queued_at, synced, attempts, next_attempt_at, last_error, dead
		FROM _sync_queue
		WHERE synced = 0 AND dead = 0 AND (next_attempt_at = '' OR next_attempt_at <= ?)
		ORDER BY queued_at, rowid
	`, now.UTC().Format(queueTimeFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Entries returns the full queue, synced and dead included, in insertion
// order.
func (s *Store) Entries(ctx context.Context) ([]QueueEntry, error) {
	if !s.ready.Load() {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, op, payload, queued_at, synced, attempts, next_attempt_at, last_error, dead
		FROM _sync_queue
		ORDER BY queued_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DeadLetters returns entries that exhausted their retry budget.
func (s *Store) DeadLetters(ctx context.Context) ([]QueueEntry, error) {
	if !s.ready.Load() {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, op, payload, queued_at, synced, attempts, next_attempt_at, last_error, dead
		FROM _sync_queue
		WHERE dead = 1
		ORDER BY queued_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkEntrySynced transitions the entry to synced once its remote replay
// succeeded.
func (s *Store) MarkEntrySynced(ctx context.Context, entryID string) error {
	if !s.ready.Load() {
		return ErrNotInitialized
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE _sync_queue SET synced = 1, last_error = '' WHERE id = ?
	`, entryID)
	if err != nil {
		return fmt.Errorf("failed to mark entry synced: %w", err)
	}
	return nil
}

// RecordEntryFailure bumps the entry's attempt counter, remembers the error,
// schedules the next attempt, and optionally moves it to the dead-letter
// state.
func (s *Store) RecordEntryFailure(ctx context.Context, entryID, cause string, nextAttempt time.Time, dead bool) error {
	if !s.ready.Load() {
		return ErrNotInitialized
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadInt := 0
	if dead {
		deadInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE _sync_queue
		SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?, dead = ?
		WHERE id = ?
	`, cause, nextAttempt.UTC().Format(queueTimeFormat), deadInt, entryID)
	if err != nil {
		return fmt.Errorf("failed to record entry failure: %w", err)
	}
	return nil
}

// RequeueEntry returns a dead entry to the live queue with a reset retry
// budget.
func (s *Store) RequeueEntry(ctx context.Context, entryID string) error {
	if !s.ready.Load() {
		return ErrNotInitialized
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE _sync_queue
		SET dead = 0, attempts = 0, next_attempt_at = '', last_error = ''
		WHERE id = ? AND dead = 1
	`, entryID)
	if err != nil {
		return fmt.Errorf("failed to requeue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check requeue result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: queue entry %s", ErrNotFound, entryID)
	}
	return nil
}

// ClearSynced removes entries that already replayed successfully.
func (s *Store) ClearSynced(ctx context.Context) (int64, error) {
	if !s.ready.Load() {
		return 0, ErrNotInitialized
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM _sync_queue WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear synced entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared entries: %w", err)
	}
	return n, nil
}

// Stats returns pending/synced/dead counts for the operator view.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	if !s.ready.Load() {
		return QueueStats{}, ErrNotInitialized
	}
	var stats QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN synced = 0 AND dead = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead = 1 THEN 1 ELSE 0 END), 0)
		FROM _sync_queue
	`).Scan(&stats.Pending, &stats.Synced, &stats.Dead)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to query queue stats: %w", err)
	}
	return stats, nil
}

// hasPendingCreate reports whether a live create entry still references the
// id. Used to decide whether a delete against a local id must wait for its
// create or can resolve locally. The backoff window is ignored on purpose: a
// create parked far in the future is still alive and will replay eventually.
func (s *Store) hasPendingCreate(ctx context.Context, collection, id string) (bool, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Collection != collection || e.Op != OpCreate || e.Synced || e.Dead {
			continue
		}
		if eid, _ := e.Data["id"].(string); eid == id {
			return true, nil
		}
	}
	return false, nil
}

// rewritePendingIDInTx repoints live queue entries from a migrated local id
// to its remote replacement, inside the migration transaction.
func rewritePendingIDInTx(ctx context.Context, tx *sql.Tx, collection, localID, remoteID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload FROM _sync_queue
		WHERE collection = ? AND synced = 0 AND dead = 0
	`, collection)
	if err != nil {
		return fmt.Errorf("failed to query entries for rewrite: %w", err)
	}

	type rewrite struct {
		entryID string
		payload string
	}
	var rewrites []rewrite
	for rows.Next() {
		var entryID, payload string
		if err := rows.Scan(&entryID, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan entry for rewrite: %w", err)
		}
		var data Record
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			rows.Close()
			return fmt.Errorf("failed to unmarshal entry %s payload: %w", entryID, err)
		}
		if id, _ := data["id"].(string); id != localID {
			continue
		}
		data["id"] = remoteID
		updated, err := json.Marshal(data)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to marshal rewritten payload: %w", err)
		}
		rewrites = append(rewrites, rewrite{entryID: entryID, payload: string(updated)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating entries for rewrite: %w", err)
	}
	rows.Close()

	for _, rw := range rewrites {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_queue SET payload = ? WHERE id = ?
		`, rw.payload, rw.entryID); err != nil {
			return fmt.Errorf("failed to rewrite entry %s: %w", rw.entryID, err)
		}
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var op, payload, queuedAt, nextAttempt string
		var synced, dead int
		if err := rows.Scan(&e.ID, &e.Collection, &op, &payload, &queuedAt, &synced, &e.Attempts, &nextAttempt, &e.LastError, &dead); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Op = Op(op)
		e.Synced = synced != 0
		e.Dead = dead != 0
		if err := json.Unmarshal([]byte(payload), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry %s payload: %w", e.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
			e.QueuedAt = t
		}
		if nextAttempt != "" {
			if t, err := time.Parse(time.RFC3339Nano, nextAttempt); err == nil {
				e.NextAttempt = t
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}
	return out, nil
}
