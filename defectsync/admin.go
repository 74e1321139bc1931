// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RetryFailedOperations resets failed queue operations back to pending so the
// next queue sweep picks them up again. Only operations younger than maxAge
// and under the attempt cap qualify; everything else stays failed for good.
func (s *SyncService) RetryFailedOperations(ctx context.Context, maxAge time.Duration, maxAttempts int) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sync.queue_ops
		SET status = $1, message = '', updated_at = now()
		WHERE status = $2 AND queued_at > now() - $3::interval AND attempts < $4
	`, OpPending, OpFailed, fmt.Sprintf("%d seconds", int(maxAge.Seconds())), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed operations: %w", err)
	}

	if tag.RowsAffected() > 0 {
		s.logger.Info("Retry sweep reset failed operations", "count", tag.RowsAffected())
	}
	return tag.RowsAffected(), nil
}

// CleanupOldOperations purges terminal queue rows older than the retention
// window, along with conflicted rows no client ever resubmitted: a client
// whose policy accepted the server copy resolves locally and leaves its
// awaiting row behind, so past retention those count as settled too. Conflict
// records age out on the same window. Pending operations are never touched.
func (s *SyncService) CleanupOldOperations(ctx context.Context, retention time.Duration) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	window := fmt.Sprintf("%d seconds", int(retention.Seconds()))

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync.queue_ops
		WHERE queued_at < now() - $1::interval AND status IN ($2, $3, $4)
	`, window, OpResolved, OpFailed, OpAwaitingUser)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old operations: %w", err)
	}

	conflictTag, err := s.pool.Exec(ctx, `
		DELETE FROM sync.conflicts WHERE created_at < now() - $1::interval
	`, window)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old conflict records: %w", err)
	}

	if tag.RowsAffected() > 0 || conflictTag.RowsAffected() > 0 {
		s.logger.Info("Cleanup sweep purged old operations",
			"operations", tag.RowsAffected(), "conflicts", conflictTag.RowsAffected())
	}
	return tag.RowsAffected(), nil
}

// ProcessPendingQueue drains pending operations from the durable server-side
// queue through the same per-operation path as endpoint submissions. This is
// the scheduled-job mode: batches may span many actors and are grouped by
// actor inside ProcessBatch.
func (s *SyncService) ProcessPendingQueue(ctx context.Context, limit int) (*SyncResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, op_uuid, actor_id, source_id, entity_type, action, local_id, server_id, payload, base_timestamp
		FROM sync.queue_ops
		WHERE status = $1
		ORDER BY queued_at, id
		LIMIT $2
	`, OpPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending queue: %w", err)
	}
	defer rows.Close()

	var req SyncRequest
	sourceID := ""
	for rows.Next() {
		var (
			op      OperationUpload
			source  string
			payload json.RawMessage
		)
		if err := rows.Scan(&op.ID, &op.OpUUID, &op.ActorID, &source, &op.EntityType, &op.Action,
			&op.LocalID, &op.ServerID, &payload, &op.BaseTimestamp); err != nil {
			return nil, fmt.Errorf("failed to scan queued operation: %w", err)
		}
		op.Data = payload
		if sourceID == "" {
			sourceID = source
		}
		req.Operations = append(req.Operations, op)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to iterate pending queue: %w", rows.Err())
	}
	rows.Close()

	return s.ProcessBatch(ctx, "queue-sweep", sourceID, &req)
}

// ListConflicts returns conflict records, optionally only unresolved ones.
func (s *SyncService) ListConflicts(ctx context.Context, onlyUnresolved bool, limit int) ([]ConflictRecordEntity, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	args := pgx.NamedArgs{"limit": limit}
	where := ""
	if onlyUnresolved {
		where = "WHERE NOT resolved"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, op_uuid, entity_type, server_id, server_data, client_data,
		       resolved, resolution_type, resolved_by, resolved_at, created_at
		FROM sync.conflicts
		`+where+`
		ORDER BY created_at DESC
		LIMIT @limit`, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecordEntity
	for rows.Next() {
		var r ConflictRecordEntity
		if err := rows.Scan(&r.ID, &r.OpUUID, &r.EntityType, &r.ServerID, &r.ServerData, &r.ClientData,
			&r.Resolved, &r.ResolutionType, &r.ResolvedBy, &r.ResolvedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkConflictResolved stamps resolution metadata onto a conflict record.
// A record resolves exactly once; a second attempt is an error.
func (s *SyncService) MarkConflictResolved(ctx context.Context, id int64, resolutionType, resolvedBy string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sync.conflicts
		SET resolved = TRUE, resolution_type = $1, resolved_by = $2, resolved_at = now()
		WHERE id = $3 AND NOT resolved
	`, resolutionType, resolvedBy, id)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conflict %d: %w or already resolved", id, ErrNotFound)
	}
	return nil
}
