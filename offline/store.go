// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package offline implements the offline-first persistence core used by the
// point-of-sale app: a durable SQLite-backed record store organized into
// named collections, a sync queue that buffers every mutation, a connectivity
// monitor, and a cache-first read facade that serves local data immediately
// and refreshes it from the remote document store in the background.
package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable local record store. All record and queue state lives
// in a single SQLite database so identity migration and queue rewrites can
// share one transaction.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // serialize writes to avoid SQLite lock contention
	ready   atomic.Bool
}

// NewStore wraps an opened SQLite handle. Open must be called before any
// other operation; operations on an unopened store fail with
// ErrNotInitialized.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Open creates the local schema if needed. It is idempotent and tolerates a
// database already upgraded to a newer schema version.
func (s *Store) Open(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ready.Load() {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= schemaVersion {
		// Already at (or beyond) this build's schema. Newer versions only
		// add collections/indexes, so older readers keep working.
		s.ready.Store(true)
		return nil
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _cache_records (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			payload    TEXT NOT NULL,
			synced     INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (collection, id)
		)`,

		`CREATE TABLE IF NOT EXISTS _cache_index (
			collection TEXT NOT NULL,
			idx        TEXT NOT NULL,
			value      TEXT,
			id         TEXT NOT NULL,
			PRIMARY KEY (collection, idx, id)
		)`,

		`CREATE INDEX IF NOT EXISTS _cache_index_lookup
			ON _cache_index (collection, idx, value)`,

		`CREATE INDEX IF NOT EXISTS _cache_records_synced
			ON _cache_records (collection, synced)`,

		// Pending mutation queue, drained FIFO by queued_at then rowid.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			id              TEXT PRIMARY KEY,
			collection      TEXT NOT NULL,
			op              TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload         TEXT NOT NULL,
			queued_at       TEXT NOT NULL,
			synced          INTEGER NOT NULL DEFAULT 0,
			attempts        INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL DEFAULT '',
			last_error      TEXT NOT NULL DEFAULT '',
			dead            INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS _sync_queue_pending
			ON _sync_queue (synced, dead, queued_at)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create local schema: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	s.ready.Store(true)
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.ready.Store(false)
	return s.db.Close()
}

func (s *Store) check(collection string) error {
	if !s.ready.Load() {
		return ErrNotInitialized
	}
	if !validCollection(collection) {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	return nil
}

// Add stores a new record. When the record carries no id one is generated.
// The stored record is tagged synced=false. Adding an id that already exists
// in the collection fails with ErrDuplicateKey.
func (s *Store) Add(ctx context.Context, collection string, rec Record) (string, error) {
	if err := s.check(collection); err != nil {
		return "", err
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = NewLocalID()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _cache_records WHERE collection = ? AND id = ?)
	`, collection, id).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("failed to check record existence: %w", err)
	}
	if exists {
		return "", fmt.Errorf("%w: %s/%s", ErrDuplicateKey, collection, id)
	}

	if err := s.writeRecordInTx(ctx, tx, collection, id, rec, false); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit add: %w", err)
	}
	return id, nil
}

// Put writes the record under its id unconditionally, tagged synced=false.
// This is the upsert used by SaveLocally's create path: a record that
// already carries its id (remote or local) replaces the stored copy.
func (s *Store) Put(ctx context.Context, collection, id string, rec Record) error {
	if err := s.check(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.writeRecordInTx(ctx, tx, collection, id, rec, false); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit put: %w", err)
	}
	return nil
}

// Get returns the record stored under id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}
	var payload string
	var synced int
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, synced FROM _cache_records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&payload, &synced)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return decodeRecord(id, payload, synced)
}

// GetAll returns every record in the collection. Order is not guaranteed.
func (s *Store) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, synced FROM _cache_records WHERE collection = ?
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetAllByIndex returns the records whose indexed attribute equals value.
// The index must be declared for the collection.
func (s *Store) GetAllByIndex(ctx context.Context, collection, idx string, value any) ([]Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}
	if !hasIndex(collection, idx) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownIndex, idx, collection)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.payload, r.synced
		FROM _cache_index i
		JOIN _cache_records r ON r.collection = i.collection AND r.id = i.id
		WHERE i.collection = ? AND i.idx = ? AND i.value = ?
	`, collection, idx, indexValue(value))
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Update merges partial over the existing record and forces synced=false.
// A missing id is a silent no-op; existence is not enforced for callers.
func (s *Store) Update(ctx context.Context, collection, id string, partial Record) error {
	if err := s.check(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRowContext(ctx, `
		SELECT payload FROM _cache_records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load record for update: %w", err)
	}

	merged, err := decodeRecord(id, payload, 0)
	if err != nil {
		return err
	}
	for k, v := range partial {
		if k == "id" || k == "synced" {
			continue
		}
		merged[k] = v
	}

	if err := s.writeRecordInTx(ctx, tx, collection, id, merged, false); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// Delete removes the record and its index rows. Deleting an absent id is a
// no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRecordInTx(ctx, tx, collection, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// MarkSynced flips the record's synced flag to true without touching its
// payload. Absent ids are a no-op.
func (s *Store) MarkSynced(ctx context.Context, collection, id string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE _cache_records SET synced = 1 WHERE collection = ? AND id = ?
	`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	return nil
}

// UpsertSynced writes a remote-identified record as already synced. Used by
// the background refresh path, which must not enqueue a new mutation. A
// record with pending local changes (synced=false) is left untouched so the
// refresh cannot clobber an edit that has not reached the server yet.
func (s *Store) UpsertSynced(ctx context.Context, collection string, rec Record) error {
	if err := s.check(collection); err != nil {
		return err
	}
	id, _ := rec["id"].(string)
	if id == "" {
		return fmt.Errorf("offline: refresh record without id in %s", collection)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var synced int
	err = tx.QueryRowContext(ctx, `
		SELECT synced FROM _cache_records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&synced)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check record state: %w", err)
	}
	if err == nil && synced == 0 {
		return nil
	}

	if err := s.writeRecordInTx(ctx, tx, collection, id, rec, true); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refresh upsert: %w", err)
	}
	return nil
}

// MigrateIdentity replaces the record stored under localID with rec stored
// under remoteID, tagged synced=true. Pending queue entries that still
// reference localID are rewritten to remoteID in the same transaction, so
// queued updates and deletes replay against the real remote identity.
func (s *Store) MigrateIdentity(ctx context.Context, collection, localID, remoteID string, rec Record) error {
	if err := s.check(collection); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRecordInTx(ctx, tx, collection, localID); err != nil {
		return err
	}

	migrated := cloneRecord(rec)
	migrated["id"] = remoteID
	if err := s.writeRecordInTx(ctx, tx, collection, remoteID, migrated, true); err != nil {
		return err
	}

	if err := rewritePendingIDInTx(ctx, tx, collection, localID, remoteID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity migration: %w", err)
	}
	return nil
}

// writeRecordInTx persists the record payload and rewrites its secondary
// index rows from the declared indexes.
func (s *Store) writeRecordInTx(ctx context.Context, tx *sql.Tx, collection, id string, rec Record, synced bool) error {
	payload, err := encodeRecord(id, rec)
	if err != nil {
		return err
	}
	syncedInt := 0
	if synced {
		syncedInt = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _cache_records (collection, id, payload, synced, updated_at)
		VALUES (?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (collection, id) DO UPDATE SET
			payload = excluded.payload,
			synced = excluded.synced,
			updated_at = excluded.updated_at
	`, collection, id, payload, syncedInt)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _cache_index WHERE collection = ? AND id = ?
	`, collection, id); err != nil {
		return fmt.Errorf("failed to clear index rows: %w", err)
	}
	for _, idx := range collectionIndexes[collection] {
		v, ok := rec[idx]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _cache_index (collection, idx, value, id) VALUES (?, ?, ?, ?)
		`, collection, idx, indexValue(v), id); err != nil {
			return fmt.Errorf("failed to write index row: %w", err)
		}
	}
	return nil
}

func deleteRecordInTx(ctx context.Context, tx *sql.Tx, collection, id string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _cache_records WHERE collection = ? AND id = ?
	`, collection, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _cache_index WHERE collection = ? AND id = ?
	`, collection, id); err != nil {
		return fmt.Errorf("failed to delete index rows: %w", err)
	}
	return nil
}

func encodeRecord(id string, rec Record) (string, error) {
	stored := cloneRecord(rec)
	stored["id"] = id
	delete(stored, "synced")
	payload, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(payload), nil
}

func decodeRecord(id, payload string, synced int) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	rec["id"] = id
	rec["synced"] = synced != 0
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var id, payload string
		var synced int
		if err := rows.Scan(&id, &payload, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(id, payload, synced)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// indexValue normalizes an attribute into the TEXT form stored in
// _cache_index. JSON round-tripping makes int64(3) and float64(3) index
// identically.
func indexValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
