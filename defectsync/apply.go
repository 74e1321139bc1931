// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// applyCreate inserts a new entity row, stamping creator/updater identity,
// and returns the generated server id.
func (s *SyncService) applyCreate(ctx context.Context, tx pgx.Tx, op *OperationUpload) (OperationResult, error) {
	info, _ := LookupEntity(op.EntityType)

	payload, err := decodePayload(op.Data)
	if err != nil {
		return resultError(op, ReasonBadPayload, err), nil
	}
	if err := s.materializeInlineFile(ctx, payload); err != nil {
		return resultError(op, ReasonBadPayload, err), nil
	}

	var cols, placeholders []string
	var args []any
	add := func(col string, val any) {
		cols = append(cols, pgx.Identifier{col}.Sanitize())
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, val)
	}
	for _, col := range info.Columns {
		if val, ok := payload[col]; ok {
			add(col, normalizeColumnValue(col, val))
		}
	}
	add("created_by", op.ActorID)
	add("updated_by", op.ActorID)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		info.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	var serverID int64
	if err := tx.QueryRow(ctx, query, args...).Scan(&serverID); err != nil {
		return OperationResult{}, fmt.Errorf("failed to insert %s: %w", op.EntityType, err)
	}

	s.logger.Debug("Entity created",
		"entity_type", op.EntityType, "local_id", op.LocalID, "server_id", serverID, "actor_id", op.ActorID)
	return resultSuccess(op, &serverID), nil
}

// applyUpdate applies a partial update after optimistic conflict detection:
// a server row whose updated_at is strictly newer than the operation's base
// timestamp is a conflict and stays untouched unless force_apply is set.
func (s *SyncService) applyUpdate(ctx context.Context, tx pgx.Tx, op *OperationUpload, localServerIDs map[int64]int64) (OperationResult, error) {
	info, _ := LookupEntity(op.EntityType)

	payload, err := decodePayload(op.Data)
	if err != nil {
		return resultError(op, ReasonBadPayload, err), nil
	}
	if err := s.materializeInlineFile(ctx, payload); err != nil {
		return resultError(op, ReasonBadPayload, err), nil
	}

	serverID, ok := resolveServerID(op, localServerIDs)
	if !ok {
		// The create this update depends on has not produced a server id
		// yet; the operation stays retryable rather than being applied out
		// of order.
		return resultError(op, ReasonUnknownServerID,
			fmt.Errorf("no server id for %s local_id=%d", op.EntityType, op.LocalID)), nil
	}

	current, err := s.fetchServerRow(ctx, tx, info.Table, serverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return resultError(op, ReasonNotFound,
				fmt.Errorf("%w: %s server_id=%d", ErrNotFound, op.EntityType, serverID)), nil
		}
		return OperationResult{}, fmt.Errorf("failed to fetch server row: %w", err)
	}

	if !op.ForceApply && op.BaseTimestamp != nil && current.updatedAt.After(*op.BaseTimestamp) {
		if err := s.recordConflict(ctx, tx, op, serverID, current.rowJSON); err != nil {
			return OperationResult{}, err
		}
		s.logger.Info("Update conflict detected",
			"entity_type", op.EntityType, "server_id", serverID,
			"base_timestamp", op.BaseTimestamp, "server_updated_at", current.updatedAt,
			"resolution", s.config.DefaultStrategy)
		return resultConflict(op, s.config.DefaultStrategy, current.rowJSON), nil
	}

	var sets []string
	var args []any
	for _, col := range info.Columns {
		if val, ok := payload[col]; ok {
			args = append(args, normalizeColumnValue(col, val))
			sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), len(args)))
		}
	}
	args = append(args, op.ActorID)
	sets = append(sets, fmt.Sprintf("updated_by = $%d", len(args)))
	sets = append(sets, "updated_at = now()")

	args = append(args, serverID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", info.Table, strings.Join(sets, ", "), len(args))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return OperationResult{}, fmt.Errorf("failed to update %s id=%d: %w", op.EntityType, serverID, err)
	}

	return resultSuccess(op, &serverID), nil
}

// applyDelete removes an entity: soft-delete entities stamp deleted_at,
// others are physically deleted. A missing row is still a success so replayed
// deletes stay idempotent.
func (s *SyncService) applyDelete(ctx context.Context, tx pgx.Tx, op *OperationUpload, localServerIDs map[int64]int64) (OperationResult, error) {
	info, _ := LookupEntity(op.EntityType)

	serverID, ok := resolveServerID(op, localServerIDs)
	if !ok {
		return resultError(op, ReasonUnknownServerID,
			fmt.Errorf("no server id for %s local_id=%d", op.EntityType, op.LocalID)), nil
	}

	var err error
	if info.SoftDelete {
		query := fmt.Sprintf("UPDATE %s SET deleted_at = now(), updated_at = now(), updated_by = $2 WHERE id = $1 AND deleted_at IS NULL", info.Table)
		_, err = tx.Exec(ctx, query, serverID, op.ActorID)
	} else {
		query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", info.Table)
		_, err = tx.Exec(ctx, query, serverID)
	}
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to delete %s id=%d: %w", op.EntityType, serverID, err)
	}

	s.logger.Debug("Entity deleted",
		"entity_type", op.EntityType, "server_id", serverID, "soft", info.SoftDelete, "actor_id", op.ActorID)
	return resultSuccess(op, &serverID), nil
}

type serverRow struct {
	updatedAt time.Time
	rowJSON   json.RawMessage
}

// fetchServerRow loads the current row and its updated_at for conflict
// comparison.
func (s *SyncService) fetchServerRow(ctx context.Context, tx pgx.Tx, table string, serverID int64) (*serverRow, error) {
	query := fmt.Sprintf("SELECT t.updated_at, row_to_json(t) FROM %s t WHERE t.id = $1", table)
	var row serverRow
	if err := tx.QueryRow(ctx, query, serverID).Scan(&row.updatedAt, &row.rowJSON); err != nil {
		return nil, err
	}
	return &row, nil
}

// recordConflict persists a conflict record alongside the conflict result.
func (s *SyncService) recordConflict(ctx context.Context, tx pgx.Tx, op *OperationUpload, serverID int64, serverData json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.conflicts (op_uuid, entity_type, server_id, server_data, client_data)
		VALUES ($1, $2, $3, $4, $5)
	`, op.OpUUID, string(op.EntityType), serverID, serverData, op.Data)
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// resolveServerID finds the server identity for an operation: either the
// client already knows it, or a create earlier in this batch produced it.
func resolveServerID(op *OperationUpload, localServerIDs map[int64]int64) (int64, bool) {
	if op.ServerID != nil {
		return *op.ServerID, true
	}
	if id, ok := localServerIDs[op.LocalID]; ok {
		return id, true
	}
	return 0, false
}

func decodePayload(data json.RawMessage) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid operation payload: %w", err)
	}
	return payload, nil
}

// normalizeColumnValue fixes up JSON decoding artifacts before values reach
// the database: identifier columns arrive as float64 and must be sent as
// integers.
func normalizeColumnValue(col string, v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && strings.HasSuffix(col, "_id") {
		return int64(f)
	}
	return v
}
