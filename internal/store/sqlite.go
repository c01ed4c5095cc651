// Package store provides the engine's local persistence: an embedded SQLite
// database as the primary durable store, a size-capped JSON snapshot file as
// the fallback, and a Persister that chains the two with a typed outcome.
//
// The database runs in embedded mode with WAL for concurrency support.
// It holds three tables: queue_items (the durable mutation queue),
// tombstones (local soft-delete markers), and breaker_state (the circuit
// breaker, persisted across restarts). Each table is written by exactly one
// owner component; this package never mutates on its own.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/weaveboard/synckit/internal/entity"
)

// QueueItem is the persisted form of one pending mutation.
type QueueItem struct {
	ID         string
	Kind       entity.Kind
	Operation  entity.Operation
	Payload    *entity.Payload
	ProjectID  string
	RetryCount int
	CreatedAt  time.Time
}

// TombstoneRecord marks one entity as deleted within a scope.
type TombstoneRecord struct {
	ScopeKey   string
	EntityID   string
	RecordedAt time.Time
}

// BreakerState is the persisted circuit breaker snapshot.
type BreakerState struct {
	State               string
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// DB wraps the SQLite connection for the engine's durable state.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".weaveboard/sync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL mode for concurrent reads during queue drains.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		operation TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		project_id TEXT,
		payload TEXT NOT NULL,  -- JSON envelope
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Identity (kind, entity_id) is unique: later writes replace earlier ones.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_identity
	    ON queue_items(kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_queue_created ON queue_items(created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_kind ON queue_items(kind);

	CREATE TABLE IF NOT EXISTS tombstones (
		scope_key TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (scope_key, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tombstones_recorded ON tombstones(recorded_at);

	CREATE TABLE IF NOT EXISTS breaker_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		opened_at TEXT
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertQueueItem inserts a queue item, replacing any existing item with the
// same (kind, entity_id) identity.
func (db *DB) UpsertQueueItem(ctx context.Context, item *QueueItem) error {
	payload, err := marshalPayload(item.Payload)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO queue_items (
		id, kind, operation, entity_id, project_id, payload, retry_count, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, entity_id) DO UPDATE SET
		id = excluded.id,
		operation = excluded.operation,
		project_id = excluded.project_id,
		payload = excluded.payload,
		retry_count = excluded.retry_count,
		created_at = excluded.created_at
	`

	_, err = db.conn.ExecContext(ctx, query,
		item.ID,
		string(item.Kind),
		string(item.Operation),
		item.Payload.ID,
		nullString(item.ProjectID),
		payload,
		item.RetryCount,
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert queue item: %w", err)
	}
	return nil
}

// UpdateQueueItemRetry persists a new retry count for an item.
func (db *DB) UpdateQueueItemRetry(ctx context.Context, id string, retryCount int) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE queue_items SET retry_count = ? WHERE id = ?", retryCount, id)
	if err != nil {
		return fmt.Errorf("failed to update retry count for %s: %w", id, err)
	}
	return nil
}

// DeleteQueueItem removes a queue item. Idempotent.
func (db *DB) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", id, err)
	}
	return nil
}

// ListQueueItems returns all queued items ordered by creation time.
func (db *DB) ListQueueItems(ctx context.Context) ([]*QueueItem, error) {
	query := `
	SELECT id, kind, operation, project_id, payload, retry_count, created_at
	FROM queue_items
	ORDER BY created_at ASC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		var item QueueItem
		var kind, op, payload, createdAt string
		var projectID sql.NullString

		if err := rows.Scan(&item.ID, &kind, &op, &projectID, &payload, &item.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		item.Kind = entity.Kind(kind)
		item.Operation = entity.Operation(op)
		item.ProjectID = projectID.String
		if item.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s: %w", item.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = t
		}

		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

// ReplaceQueueItems swaps the entire queue_items table for the given set in
// one transaction. Used when recovering from a fallback snapshot.
func (db *DB) ReplaceQueueItems(ctx context.Context, items []*QueueItem) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_items"); err != nil {
		return fmt.Errorf("failed to clear queue items: %w", err)
	}

	stmt := `
	INSERT INTO queue_items (
		id, kind, operation, entity_id, project_id, payload, retry_count, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, item := range items {
		payload, err := marshalPayload(item.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt,
			item.ID,
			string(item.Kind),
			string(item.Operation),
			item.Payload.ID,
			nullString(item.ProjectID),
			payload,
			item.RetryCount,
			item.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("failed to insert queue item %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordTombstone persists a local deletion marker. Idempotent on
// (scope, entity) with the latest recorded_at winning.
func (db *DB) RecordTombstone(ctx context.Context, rec *TombstoneRecord) error {
	query := `
	INSERT INTO tombstones (scope_key, entity_id, recorded_at)
	VALUES (?, ?, ?)
	ON CONFLICT(scope_key, entity_id) DO UPDATE SET
		recorded_at = excluded.recorded_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		rec.ScopeKey, rec.EntityID, rec.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record tombstone %s/%s: %w", rec.ScopeKey, rec.EntityID, err)
	}
	return nil
}

// ListTombstones returns all local tombstones for a scope.
func (db *DB) ListTombstones(ctx context.Context, scopeKey string) ([]*TombstoneRecord, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT scope_key, entity_id, recorded_at FROM tombstones WHERE scope_key = ?", scopeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	defer rows.Close()

	var recs []*TombstoneRecord
	for rows.Next() {
		var rec TombstoneRecord
		var recordedAt string
		if err := rows.Scan(&rec.ScopeKey, &rec.EntityID, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			rec.RecordedAt = t
		}
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return recs, nil
}

// DeleteTombstone clears a single marker.
func (db *DB) DeleteTombstone(ctx context.Context, scopeKey, entityID string) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM tombstones WHERE scope_key = ? AND entity_id = ?", scopeKey, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete tombstone %s/%s: %w", scopeKey, entityID, err)
	}
	return nil
}

// PruneTombstonesBefore removes markers recorded before the cutoff and
// returns how many were pruned.
func (db *DB) PruneTombstonesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM tombstones WHERE recorded_at < ?", cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveBreakerState persists the circuit breaker snapshot (single row).
func (db *DB) SaveBreakerState(ctx context.Context, bs *BreakerState) error {
	query := `
	INSERT INTO breaker_state (id, state, consecutive_failures, opened_at)
	VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		consecutive_failures = excluded.consecutive_failures,
		opened_at = excluded.opened_at
	`
	var openedAt sql.NullString
	if !bs.OpenedAt.IsZero() {
		openedAt = sql.NullString{String: bs.OpenedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := db.conn.ExecContext(ctx, query, bs.State, bs.ConsecutiveFailures, openedAt)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerState returns the persisted breaker snapshot, or nil when none
// has been saved yet.
func (db *DB) LoadBreakerState(ctx context.Context) (*BreakerState, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT state, consecutive_failures, opened_at FROM breaker_state WHERE id = 1")

	var bs BreakerState
	var openedAt sql.NullString
	err := row.Scan(&bs.State, &bs.ConsecutiveFailures, &openedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker state: %w", err)
	}
	if openedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, openedAt.String); err == nil {
			bs.OpenedAt = t
		}
	}
	return &bs, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
