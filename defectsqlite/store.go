// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package defectsqlite provides the SQLite-backed offline client for the
// defect tracker sync engine: a durable local mirror of entities, a pending
// operation queue, and a sync manager that reconciles both against the
// server of record.
package defectsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/irlam/defect-tracker-sub006/defectsync"
)

// Store owns the client-side durable state: the entity mirror and the
// operation queue. Reads run concurrently; writes serialize on a store-wide
// mutex to avoid SQLite locking issues.
type Store struct {
	DB      *sql.DB
	ActorID string
	logger  *slog.Logger
	writeMu sync.Mutex

	now func() time.Time // injectable clock for tests
}

// Entity is a locally mirrored record. ServerID stays nil until the first
// successful create sync; SyncStatus tracks agreement with the server copy.
type Entity struct {
	LocalID    int64
	EntityType defectsync.EntityType
	ServerID   *int64
	SyncStatus string
	ParentID   *int64
	CreatedBy  string
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Data       map[string]any
}

// NewStore initializes the local database and returns a store bound to the
// signed-in actor.
func NewStore(db *sql.DB, actorID string, logger *slog.Logger) (*Store, error) {
	if actorID == "" {
		return nil, fmt.Errorf("actor id must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{
		DB:      db,
		ActorID: actorID,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSourceID generates and persists a device source ID if not already
// present for this actor.
func EnsureSourceID(db *sql.DB, actorID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _client_info WHERE actor_id = ?`, actorID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`INSERT INTO _client_info (actor_id, source_id) VALUES (?, ?)`, actorID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// initializeDatabase creates the client-side metadata tables.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _client_info (
			actor_id       TEXT NOT NULL PRIMARY KEY,
			source_id      TEXT NOT NULL,
			last_synced_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS _local_entities (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			server_id   INTEGER,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			parent_id   INTEGER,
			payload     TEXT NOT NULL DEFAULT '{}',
			created_by  TEXT NOT NULL DEFAULT '',
			updated_by  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS le_type_status_idx ON _local_entities(entity_type, sync_status)`,
		`CREATE INDEX IF NOT EXISTS le_type_parent_idx ON _local_entities(entity_type, parent_id)`,

		`CREATE TABLE IF NOT EXISTS _sync_queue (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			op_uuid        TEXT NOT NULL UNIQUE,
			entity_type    TEXT NOT NULL,
			action         TEXT NOT NULL CHECK (action IN ('create','update','delete')),
			local_id       INTEGER NOT NULL,
			server_id      INTEGER,
			payload        TEXT,
			base_timestamp TEXT,
			force_apply    INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'pending',
			attempts       INTEGER NOT NULL DEFAULT 0,
			server_data    TEXT,
			actor_id       TEXT NOT NULL DEFAULT '',
			queued_at      TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sq_status_idx ON _sync_queue(status, id)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create client table: %w", err)
		}
	}

	return nil
}

// Add persists a new entity with sync_status=pending and enqueues exactly one
// create operation for it. Returns the assigned local id.
func (s *Store) Add(ctx context.Context, entityType defectsync.EntityType, data map[string]any) (int64, error) {
	info, ok := defectsync.LookupEntity(entityType)
	if !ok {
		return 0, fmt.Errorf("%w: %q", defectsync.ErrUnknownEntityType, entityType)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entity payload: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO _local_entities (entity_type, sync_status, parent_id, payload, created_by, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(entityType), defectsync.SyncStatusPending, parentRef(info, data), string(payload),
		s.ActorID, s.ActorID, formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to insert entity: %w", err)
	}
	localID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read local id: %w", err)
	}

	if err := s.enqueueOperationTx(ctx, tx, &QueuedOperation{
		EntityType: entityType,
		Action:     defectsync.ActionCreate,
		LocalID:    localID,
		Payload:    payload,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit add: %w", err)
	}

	s.logger.Debug("Entity added locally", "entity_type", entityType, "local_id", localID)
	return localID, nil
}

// Update merges partial data over an existing entity and enqueues an update
// operation carrying the previous updated_at as the conflict-detection base.
func (s *Store) Update(ctx context.Context, entityType defectsync.EntityType, localID int64, partial map[string]any) error {
	if _, ok := defectsync.LookupEntity(entityType); !ok {
		return fmt.Errorf("%w: %q", defectsync.ErrUnknownEntityType, entityType)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getEntityTx(ctx, tx, entityType, localID)
	if err != nil {
		return err
	}

	merged := make(map[string]any, len(existing.Data)+len(partial))
	for k, v := range existing.Data {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode entity payload: %w", err)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE _local_entities
		SET payload = ?, sync_status = ?, updated_by = ?, updated_at = ?
		WHERE entity_type = ? AND id = ?
	`, string(payload), defectsync.SyncStatusPending, s.ActorID, formatTime(now),
		string(entityType), localID); err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	// The pre-update timestamp is what the server compares against: it is
	// the server state this client believes it is editing.
	base := existing.UpdatedAt
	partialPayload, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("failed to encode partial payload: %w", err)
	}

	if err := s.enqueueOperationTx(ctx, tx, &QueuedOperation{
		EntityType:    entityType,
		Action:        defectsync.ActionUpdate,
		LocalID:       localID,
		ServerID:      existing.ServerID,
		Payload:       partialPayload,
		BaseTimestamp: &base,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// Delete removes a local entity. A delete operation is enqueued only when the
// entity ever reached the server; otherwise there is nothing to reconcile and
// any still-pending operations for it are dropped.
func (s *Store) Delete(ctx context.Context, entityType defectsync.EntityType, localID int64) error {
	if _, ok := defectsync.LookupEntity(entityType); !ok {
		return fmt.Errorf("%w: %q", defectsync.ErrUnknownEntityType, entityType)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getEntityTx(ctx, tx, entityType, localID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _local_entities WHERE entity_type = ? AND id = ?
	`, string(entityType), localID); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	if existing.ServerID == nil {
		// Never synced: cancel any queued work for this entity instead of
		// sending mutations the server has no row for.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _sync_queue WHERE entity_type = ? AND local_id = ? AND status IN (?, ?)
		`, string(entityType), localID, defectsync.OpPending, defectsync.OpAwaitingUser); err != nil {
			return fmt.Errorf("failed to drop queued operations: %w", err)
		}
	} else {
		if err := s.enqueueOperationTx(ctx, tx, &QueuedOperation{
			EntityType: entityType,
			Action:     defectsync.ActionDelete,
			LocalID:    localID,
			ServerID:   existing.ServerID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Get returns a single entity by local id.
func (s *Store) Get(ctx context.Context, entityType defectsync.EntityType, localID int64) (*Entity, error) {
	row := s.DB.QueryRowContext(ctx, entitySelect+` WHERE entity_type = ? AND id = ?`, string(entityType), localID)
	return scanEntity(row)
}

// GetAll returns every entity of the given type.
func (s *Store) GetAll(ctx context.Context, entityType defectsync.EntityType) ([]Entity, error) {
	return s.queryEntities(ctx, entitySelect+` WHERE entity_type = ? ORDER BY id`, string(entityType))
}

// GetAllByIndex returns entities matching a secondary index. Supported index
// names are "sync_status" and "parent_id"; anything else is an error rather
// than a silent full scan.
func (s *Store) GetAllByIndex(ctx context.Context, entityType defectsync.EntityType, indexName string, indexValue any) ([]Entity, error) {
	switch indexName {
	case "sync_status":
		return s.queryEntities(ctx, entitySelect+` WHERE entity_type = ? AND sync_status = ? ORDER BY id`, string(entityType), indexValue)
	case "parent_id":
		return s.queryEntities(ctx, entitySelect+` WHERE entity_type = ? AND parent_id = ? ORDER BY id`, string(entityType), indexValue)
	default:
		return nil, fmt.Errorf("unsupported index %q", indexName)
	}
}

// UpdateEntitySyncStatus idempotently sets the sync status and, if provided,
// attaches the server identity. The server id attaches exactly once; a
// differing id on a later sync fails with ErrIdentityMismatch.
func (s *Store) UpdateEntitySyncStatus(ctx context.Context, entityType defectsync.EntityType, localID int64, status string, serverID *int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getEntityTx(ctx, tx, entityType, localID)
	if err != nil {
		return err
	}

	if serverID != nil && existing.ServerID != nil && *existing.ServerID != *serverID {
		return fmt.Errorf("%w: entity %s/%d has server id %d, got %d",
			defectsync.ErrIdentityMismatch, entityType, localID, *existing.ServerID, *serverID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _local_entities
		SET sync_status = ?, server_id = COALESCE(?, server_id)
		WHERE entity_type = ? AND id = ?
	`, status, serverID, string(entityType), localID); err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync status: %w", err)
	}
	return nil
}

// applyResolvedData overwrites the local entity payload with conflict-winning
// data. Server wins lands with status synced; a merge that still has to make
// a round trip lands with status pending.
func (s *Store) applyResolvedData(ctx context.Context, entityType defectsync.EntityType, localID int64, data map[string]any, syncStatus string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode resolved data: %w", err)
	}

	updatedAt := s.now()
	if v, ok := data["updated_at"].(string); ok {
		if ts, err := defectsync.ParseTimestamp(v); err == nil {
			updatedAt = ts
		}
	}

	_, err = s.DB.ExecContext(ctx, `
		UPDATE _local_entities
		SET payload = ?, sync_status = ?, updated_at = ?
		WHERE entity_type = ? AND id = ?
	`, string(payload), syncStatus, formatTime(updatedAt), string(entityType), localID)
	if err != nil {
		return fmt.Errorf("failed to apply resolved data: %w", err)
	}
	return nil
}

// hasOutstandingOps reports whether other queue rows still reference the
// entity, so a success result does not prematurely mark it synced.
func (s *Store) hasOutstandingOps(ctx context.Context, entityType defectsync.EntityType, localID int64, excludeOpID int64) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_queue
		WHERE entity_type = ? AND local_id = ? AND id <> ? AND status IN (?, ?, ?)
	`, string(entityType), localID, excludeOpID,
		defectsync.OpPending, defectsync.OpProcessing, defectsync.OpAwaitingUser).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count outstanding operations: %w", err)
	}
	return n > 0, nil
}

// recordSyncTime stamps the actor's last successful sync.
func (s *Store) recordSyncTime(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `
		UPDATE _client_info SET last_synced_at = ? WHERE actor_id = ?
	`, formatTime(s.now()), s.ActorID)
	if err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}

// LastSyncedAt returns when this actor last completed a sync, or nil if never.
func (s *Store) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	var v sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT last_synced_at FROM _client_info WHERE actor_id = ?
	`, s.ActorID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !v.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync time: %w", err)
	}
	ts, err := defectsync.ParseTimestamp(v.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

const entitySelect = `
	SELECT id, entity_type, server_id, sync_status, parent_id, payload, created_by, updated_by, created_at, updated_at
	FROM _local_entities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e          Entity
		entityType string
		serverID   sql.NullInt64
		parentID   sql.NullInt64
		payload    string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&e.LocalID, &entityType, &serverID, &e.SyncStatus, &parentID,
		&payload, &e.CreatedBy, &e.UpdatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, defectsync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	e.EntityType = defectsync.EntityType(entityType)
	if serverID.Valid {
		e.ServerID = &serverID.Int64
	}
	if parentID.Valid {
		e.ParentID = &parentID.Int64
	}
	if err := json.Unmarshal([]byte(payload), &e.Data); err != nil {
		return nil, fmt.Errorf("failed to decode entity payload: %w", err)
	}
	if e.CreatedAt, err = defectsync.ParseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = defectsync.ParseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func getEntityTx(ctx context.Context, tx *sql.Tx, entityType defectsync.EntityType, localID int64) (*Entity, error) {
	row := tx.QueryRowContext(ctx, entitySelect+` WHERE entity_type = ? AND id = ?`, string(entityType), localID)
	return scanEntity(row)
}

// parentRef extracts the parent local id from the payload for secondary
// indexing, when the entity type has a parent field.
func parentRef(info defectsync.EntityInfo, data map[string]any) *int64 {
	if info.ParentField == "" {
		return nil
	}
	switch v := data[info.ParentField].(type) {
	case int64:
		return &v
	case int:
		id := int64(v)
		return &id
	case float64:
		id := int64(v)
		return &id
	default:
		return nil
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
