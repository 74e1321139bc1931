// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProcessBatch applies a batch of queued operations. Every operation runs in
// its own transaction; one malformed or failing operation never aborts the
// batch. A sync log row brackets the run, and audit failures are swallowed so
// they cannot break an otherwise-successful sync.
func (s *SyncService) ProcessBatch(ctx context.Context, actorID, sourceID string, req *SyncRequest) (*SyncResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if len(req.Operations) == 0 {
		return &SyncResponse{Results: []OperationResult{}, ServerTime: now}, nil
	}

	// Enforce batch size limit early; the whole batch is rejected so clients
	// never drop pending operations on a partial answer.
	if s.config.MaxBatchSize > 0 && len(req.Operations) > s.config.MaxBatchSize {
		results := make([]OperationResult, len(req.Operations))
		for i := range req.Operations {
			op := &req.Operations[i]
			results[i] = resultError(op, ReasonBatchTooLarge,
				fmt.Errorf("batch too large: operations=%d limit=%d", len(req.Operations), s.config.MaxBatchSize))
		}
		return &SyncResponse{Results: results, ServerTime: now}, nil
	}

	// The endpoint authenticates one actor per request, but the scheduled
	// queue sweep replays operations owned by many actors through the same
	// path, so the processor always groups by actor.
	for i := range req.Operations {
		if req.Operations[i].ActorID == "" {
			req.Operations[i].ActorID = actorID
		}
	}

	logID := s.openSyncLog(ctx, actorID)

	actors, byActor := groupByActor(req.Operations)

	resultsByIdx := make(map[int]OperationResult, len(req.Operations))
	var succeeded, failed, conflicted int

	for _, actor := range actors {
		// Server ids produced by creates earlier in this batch, so that a
		// queued update referencing a just-created entity can resolve its
		// server identity in submission order.
		localServerIDs := make(map[int64]int64)

		for _, idx := range byActor[actor] {
			op := &req.Operations[idx]

			var result OperationResult
			if reason, err := validateOperation(op); err != nil {
				s.logger.Warn("Operation validation failed",
					"actor_id", op.ActorID, "source_id", sourceID,
					"action", op.Action, "entity_type", op.EntityType,
					"op_uuid", op.OpUUID, "reason", reason, "error", err)
				result = resultError(op, reason, err)
			} else {
				result = s.processOperation(ctx, op, sourceID, localServerIDs)
			}

			switch result.Status {
			case StSuccess:
				succeeded++
				if op.Action == ActionCreate && result.ServerID != nil {
					localServerIDs[op.LocalID] = *result.ServerID
				}
			case StConflict:
				conflicted++
			default:
				failed++
			}
			resultsByIdx[idx] = result
		}
	}

	results := make([]OperationResult, len(req.Operations))
	for i := range req.Operations {
		results[i] = resultsByIdx[i]
	}

	processed := len(results)
	s.finalizeSyncLog(ctx, logID, processed, succeeded, failed, conflicted, batchStatus(processed, failed))

	s.logger.Info("Batch processed",
		"actor_id", actorID, "source_id", sourceID, "sync_log_id", logID,
		"processed", processed, "succeeded", succeeded, "failed", failed, "conflicted", conflicted)

	return &SyncResponse{
		Results:    results,
		SyncLogID:  logID,
		ServerTime: time.Now().UTC(),
	}, nil
}

// batchStatus derives the overall sync log status from the counters.
func batchStatus(processed, failed int) string {
	switch {
	case failed == 0:
		return LogSuccess
	case failed == processed:
		return LogFailed
	default:
		return LogPartial
	}
}

// groupByActor splits operations by owning actor, preserving submission order
// both across actors (first appearance) and within each actor.
func groupByActor(ops []OperationUpload) ([]string, map[string][]int) {
	var actors []string
	byActor := make(map[string][]int)
	for i := range ops {
		actor := ops[i].ActorID
		if _, seen := byActor[actor]; !seen {
			actors = append(actors, actor)
		}
		byActor[actor] = append(byActor[actor], i)
	}
	return actors, byActor
}

// processOperation runs a single operation in its own transaction: the entity
// mutation and its durable queue record commit together or not at all.
func (s *SyncService) processOperation(ctx context.Context, op *OperationUpload, sourceID string, localServerIDs map[int64]int64) OperationResult {
	var result OperationResult

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		// Idempotency gate: an operation already applied under this op_uuid
		// replays its recorded outcome without touching the entity tables.
		// A conflict or failure recorded earlier does not gate a resubmit.
		replayed, serverID, err := s.resolvedOpOutcome(ctx, tx, op.OpUUID)
		if err != nil {
			return fmt.Errorf("idempotency gate check failed: %w", err)
		}
		if replayed {
			s.logger.Debug("Replaying recorded result for duplicate operation",
				"op_uuid", op.OpUUID, "action", op.Action)
			result = resultSuccess(op, serverID)
			return nil
		}

		if err := s.upsertQueueOp(ctx, tx, op, sourceID); err != nil {
			return fmt.Errorf("failed to record queue operation: %w", err)
		}

		switch op.Action {
		case ActionCreate:
			result, err = s.applyCreate(ctx, tx, op)
		case ActionUpdate:
			result, err = s.applyUpdate(ctx, tx, op, localServerIDs)
		case ActionDelete:
			result, err = s.applyDelete(ctx, tx, op, localServerIDs)
		default:
			// validateOperation rejects unknown actions before this point.
			result = resultError(op, ReasonUnknownOperation, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Action))
		}
		if err != nil {
			return err
		}

		return s.finishQueueOp(ctx, tx, op.OpUUID, result)
	})
	if err != nil {
		s.logger.Error("Operation transaction failed",
			"error", err, "op_uuid", op.OpUUID, "action", op.Action,
			"entity_type", op.EntityType, "retryable", isRetryablePGTxError(err))
		return resultError(op, ReasonInternalError, err)
	}

	return result
}

// resolvedOpOutcome reports whether op_uuid was already applied successfully
// and, if so, the server id it produced.
func (s *SyncService) resolvedOpOutcome(ctx context.Context, tx pgx.Tx, opUUID string) (bool, *int64, error) {
	var serverID *int64
	err := tx.QueryRow(ctx, `
		SELECT server_id FROM sync.queue_ops
		WHERE op_uuid = $1 AND status = $2
	`, opUUID, OpResolved).Scan(&serverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, serverID, nil
}

// upsertQueueOp records the operation in the durable server-side queue.
// Resubmissions of the same op_uuid update the existing row and bump the
// attempt counter.
func (s *SyncService) upsertQueueOp(ctx context.Context, tx pgx.Tx, op *OperationUpload, sourceID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.queue_ops
			(op_uuid, actor_id, source_id, entity_type, action, local_id, server_id, payload, base_timestamp, status, attempts)
		VALUES (@op_uuid, @actor_id, @source_id, @entity_type, @action, @local_id, @server_id, @payload, @base_timestamp, @status, 1)
		ON CONFLICT (op_uuid) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = sync.queue_ops.attempts + 1,
			payload = EXCLUDED.payload,
			server_id = COALESCE(EXCLUDED.server_id, sync.queue_ops.server_id),
			base_timestamp = EXCLUDED.base_timestamp,
			message = '',
			updated_at = now()
	`, pgx.NamedArgs{
		"op_uuid":        op.OpUUID,
		"actor_id":       op.ActorID,
		"source_id":      sourceID,
		"entity_type":    string(op.EntityType),
		"action":         op.Action,
		"local_id":       op.LocalID,
		"server_id":      op.ServerID,
		"payload":        op.Data,
		"base_timestamp": op.BaseTimestamp,
		"status":         OpProcessing,
	})
	return err
}

// finishQueueOp stamps the outcome onto the durable queue row. Successful
// operations become resolved (terminal); conflicts wait for a client-side
// decision; errors become failed and are picked up by the retry sweep.
func (s *SyncService) finishQueueOp(ctx context.Context, tx pgx.Tx, opUUID string, result OperationResult) error {
	status := OpResolved
	message := ""
	switch result.Status {
	case StConflict:
		status = OpAwaitingUser
		message = "conflict with newer server state"
	case StError:
		status = OpFailed
		message = result.Message
	}

	_, err := tx.Exec(ctx, `
		UPDATE sync.queue_ops
		SET status = $1, server_id = COALESCE($2, server_id), message = $3, updated_at = now()
		WHERE op_uuid = $4
	`, status, result.ServerID, message, opUUID)
	if err != nil {
		return fmt.Errorf("failed to finish queue operation: %w", err)
	}
	return nil
}

// openSyncLog creates the audit row for a batch run. Audit must never block
// sync: the insert is attempted twice (full row, then a minimal fallback) and
// a double failure is logged and dropped, returning id 0.
func (s *SyncService) openSyncLog(ctx context.Context, actorID string) int64 {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync.sync_log (actor_id, status) VALUES ($1, $2) RETURNING id
	`, actorID, LogProcessing).Scan(&id)
	if err == nil {
		return id
	}

	fallbackErr := s.pool.QueryRow(ctx, `
		INSERT INTO sync.sync_log (actor_id) VALUES ($1) RETURNING id
	`, actorID).Scan(&id)
	if fallbackErr == nil {
		return id
	}

	s.logger.Warn("Failed to open sync log; continuing without audit row",
		"error", err, "fallback_error", fallbackErr, "actor_id", actorID)
	return 0
}

// finalizeSyncLog closes the audit row with final counters. Same contract as
// openSyncLog: two attempts, then swallowed.
func (s *SyncService) finalizeSyncLog(ctx context.Context, id int64, processed, succeeded, failed, conflicted int, status string) {
	if id == 0 {
		return
	}

	const update = `
		UPDATE sync.sync_log
		SET finished_at = now(), processed = $1, succeeded = $2, failed = $3, conflicted = $4, status = $5
		WHERE id = $6 AND finished_at IS NULL
	`
	if _, err := s.pool.Exec(ctx, update, processed, succeeded, failed, conflicted, status, id); err != nil {
		if _, retryErr := s.pool.Exec(ctx, update, processed, succeeded, failed, conflicted, status, id); retryErr != nil {
			s.logger.Warn("Failed to finalize sync log",
				"error", err, "retry_error", retryErr, "sync_log_id", id)
		}
	}
}
