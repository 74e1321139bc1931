// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/irlam/defect-tracker-sub006/defectsync"
)

// QueuedOperation is a row of the client-side durable queue. Operations are
// appended by Store mutations and drained by the sync manager in id order.
type QueuedOperation struct {
	ID            int64
	OpUUID        string
	EntityType    defectsync.EntityType
	Action        string
	LocalID       int64
	ServerID      *int64
	Payload       json.RawMessage
	BaseTimestamp *time.Time
	ForceApply    bool
	Status        string
	Attempts      int
	ServerData    json.RawMessage
	ActorID       string
	QueuedAt      time.Time
	UpdatedAt     time.Time
}

// enqueueOperationTx appends an operation inside the caller's transaction so
// the entity mutation and its queue record are durable together. The op_uuid
// is assigned here, once, and survives resubmissions.
func (s *Store) enqueueOperationTx(ctx context.Context, tx *sql.Tx, op *QueuedOperation) error {
	now := formatTime(s.now())
	var base *string
	if op.BaseTimestamp != nil {
		v := formatTime(*op.BaseTimestamp)
		base = &v
	}
	var payload *string
	if len(op.Payload) > 0 {
		v := string(op.Payload)
		payload = &v
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_queue
			(op_uuid, entity_type, action, local_id, server_id, payload, base_timestamp, force_apply, status, actor_id, queued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), string(op.EntityType), op.Action, op.LocalID, op.ServerID,
		payload, base, boolToInt(op.ForceApply), defectsync.OpPending, s.ActorID, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return nil
}

const queueSelect = `
	SELECT id, op_uuid, entity_type, action, local_id, server_id, payload, base_timestamp,
	       force_apply, status, attempts, server_data, actor_id, queued_at, updated_at
	FROM _sync_queue`

// PendingOperations returns queued operations ready to send, in submission
// order.
func (s *Store) PendingOperations(ctx context.Context) ([]QueuedOperation, error) {
	return s.queryOperations(ctx, queueSelect+` WHERE status = ? ORDER BY id`, defectsync.OpPending)
}

// OperationByID returns a single queue row.
func (s *Store) OperationByID(ctx context.Context, id int64) (*QueuedOperation, error) {
	row := s.DB.QueryRowContext(ctx, queueSelect+` WHERE id = ?`, id)
	return scanOperation(row)
}

// OperationsAwaitingDecision returns conflicted operations parked for a user
// choice.
func (s *Store) OperationsAwaitingDecision(ctx context.Context) ([]QueuedOperation, error) {
	return s.queryOperations(ctx, queueSelect+` WHERE status = ? ORDER BY id`, defectsync.OpAwaitingUser)
}

// markOperationStatus transitions a queue row. Terminal and transient states
// share the same path; callers decide the lifecycle.
func (s *Store) markOperationStatus(ctx context.Context, id int64, status string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_queue SET status = ?, updated_at = ? WHERE id = ?
	`, status, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark operation %d as %s: %w", id, status, err)
	}
	return nil
}

// markOperationsStatus transitions several rows at once, used when a whole
// in-flight batch reverts to pending after a transport failure.
func (s *Store) markOperationsStatus(ctx context.Context, ids []int64, status string) error {
	for _, id := range ids {
		if err := s.markOperationStatus(ctx, id, status); err != nil {
			return err
		}
	}
	return nil
}

// incrementAttempt bumps the retry counter and returns the new value.
func (s *Store) incrementAttempt(ctx context.Context, id int64) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_queue SET attempts = attempts + 1, updated_at = ? WHERE id = ?
	`, formatTime(s.now()), id); err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}

	var attempts int
	if err := s.DB.QueryRowContext(ctx, `SELECT attempts FROM _sync_queue WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts, nil
}

// storeConflict parks an operation for a user decision, keeping the server
// copy alongside so the eventual choice can be applied offline.
func (s *Store) storeConflict(ctx context.Context, id int64, serverData json.RawMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_queue SET status = ?, server_data = ?, updated_at = ? WHERE id = ?
	`, defectsync.OpAwaitingUser, nullableJSON(serverData), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to store conflict state: %w", err)
	}
	return nil
}

// resubmitOperation rewrites an operation for another round trip, typically
// with merged or client-chosen data and the force flag raised.
func (s *Store) resubmitOperation(ctx context.Context, id int64, payload json.RawMessage, forceApply bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_queue
		SET payload = ?, force_apply = ?, status = ?, server_data = NULL, updated_at = ?
		WHERE id = ?
	`, nullableJSON(payload), boolToInt(forceApply), defectsync.OpPending, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to resubmit operation: %w", err)
	}
	return nil
}

// RetryFailedOperations puts failed operations still under the attempt cap
// back into rotation, mirroring the server-side retry sweep for work that
// failed terminally on the client.
func (s *Store) RetryFailedOperations(ctx context.Context, maxAttempts int) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.DB.ExecContext(ctx, `
		UPDATE _sync_queue SET status = ?, updated_at = ? WHERE status = ? AND attempts < ?
	`, defectsync.OpPending, formatTime(s.now()), defectsync.OpFailed, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed operations: %w", err)
	}
	return res.RowsAffected()
}

// QueueSummary reports row counts per queue status, for diagnostics and UI
// badges.
func (s *Store) QueueSummary(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM _sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize queue: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]QueuedOperation, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var out []QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func scanOperation(row rowScanner) (*QueuedOperation, error) {
	var (
		op         QueuedOperation
		entityType string
		serverID   sql.NullInt64
		payload    sql.NullString
		base       sql.NullString
		force      int
		serverData sql.NullString
		queuedAt   string
		updatedAt  string
	)
	err := row.Scan(&op.ID, &op.OpUUID, &entityType, &op.Action, &op.LocalID, &serverID,
		&payload, &base, &force, &op.Status, &op.Attempts, &serverData, &op.ActorID, &queuedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, defectsync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.EntityType = defectsync.EntityType(entityType)
	if serverID.Valid {
		op.ServerID = &serverID.Int64
	}
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if base.Valid {
		ts, err := defectsync.ParseTimestamp(base.String)
		if err != nil {
			return nil, err
		}
		op.BaseTimestamp = &ts
	}
	op.ForceApply = force != 0
	if serverData.Valid {
		op.ServerData = json.RawMessage(serverData.String)
	}
	if op.QueuedAt, err = defectsync.ParseTimestamp(queuedAt); err != nil {
		return nil, err
	}
	if op.UpdatedAt, err = defectsync.ParseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &op, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
