// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newIntegrationService connects to the Postgres instance named by
// TEST_DATABASE_URL and builds a service over it. Tests that need a real
// database skip without one.
func newIntegrationService(t *testing.T) (context.Context, *SyncService) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, err := NewSyncService(pool, &ServiceConfig{
		AppName:         "processor-integration-test",
		DefaultStrategy: StrategyServerWins,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return ctx, svc
}

func testActor(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func createDefect(t *testing.T, ctx context.Context, svc *SyncService, actor, title string) int64 {
	t.Helper()
	resp, err := svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{{
		ID:         1,
		OpUUID:     uuid.New().String(),
		Action:     ActionCreate,
		EntityType: EntityDefect,
		LocalID:    1,
		Data:       json.RawMessage(fmt.Sprintf(`{"title":%q,"status":"new"}`, title)),
	}}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, StSuccess, resp.Results[0].Status, "create failed: %s", resp.Results[0].Message)
	require.NotNil(t, resp.Results[0].ServerID)
	return *resp.Results[0].ServerID
}

func defectRow(t *testing.T, ctx context.Context, svc *SyncService, serverID int64) (string, time.Time) {
	t.Helper()
	var title string
	var updatedAt time.Time
	err := svc.Pool().QueryRow(ctx,
		`SELECT title, updated_at FROM tracker.defects WHERE id = $1`, serverID).Scan(&title, &updatedAt)
	require.NoError(t, err)
	return title, updatedAt
}

func TestConflictDetectionAndForceBypass(t *testing.T) {
	ctx, svc := newIntegrationService(t)
	actor := testActor("conflict")

	serverID := createDefect(t, ctx, svc, actor, "Cracked beam")
	_, updatedAt := defectRow(t, ctx, svc, serverID)

	// An update whose base matches the current row applies cleanly: the row
	// is only a conflict when it moved past what the client last saw.
	resp, err := svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{{
		ID: 2, OpUUID: uuid.New().String(), Action: ActionUpdate,
		EntityType: EntityDefect, LocalID: 1, ServerID: &serverID,
		Data:          json.RawMessage(`{"status":"in_progress"}`),
		BaseTimestamp: &updatedAt,
	}}})
	require.NoError(t, err)
	require.Equal(t, StSuccess, resp.Results[0].Status, "clean update failed: %s", resp.Results[0].Message)

	// Simulate another client editing the row after ours last saw it.
	_, err = svc.Pool().Exec(ctx,
		`UPDATE tracker.defects SET title = 'Cracked support beam', updated_at = now() WHERE id = $1`, serverID)
	require.NoError(t, err)

	staleBase := updatedAt.Add(-time.Hour)
	conflictUUID := uuid.New().String()
	resp, err = svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{{
		ID: 3, OpUUID: conflictUUID, Action: ActionUpdate,
		EntityType: EntityDefect, LocalID: 1, ServerID: &serverID,
		Data:          json.RawMessage(`{"title":"My stale title"}`),
		BaseTimestamp: &staleBase,
	}}})
	require.NoError(t, err)

	result := resp.Results[0]
	require.Equal(t, StConflict, result.Status)
	require.Equal(t, StrategyServerWins, result.Resolution)
	require.NotEmpty(t, result.ServerData, "conflict must carry the current server row")

	title, _ := defectRow(t, ctx, svc, serverID)
	require.Equal(t, "Cracked support beam", title, "conflicting update must leave the server row untouched")

	var conflictCount int
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.conflicts WHERE op_uuid = $1`, conflictUUID).Scan(&conflictCount))
	require.Equal(t, 1, conflictCount, "conflict must be recorded")

	// Post-resolution resubmit: same op_uuid, force flag raised. The earlier
	// conflict must not gate it, and the client copy lands.
	resp, err = svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{{
		ID: 3, OpUUID: conflictUUID, Action: ActionUpdate,
		EntityType: EntityDefect, LocalID: 1, ServerID: &serverID,
		Data:       json.RawMessage(`{"title":"My stale title"}`),
		ForceApply: true,
	}}})
	require.NoError(t, err)
	require.Equal(t, StSuccess, resp.Results[0].Status, "forced resubmit failed: %s", resp.Results[0].Message)

	title, _ = defectRow(t, ctx, svc, serverID)
	require.Equal(t, "My stale title", title)
}

func TestIdempotentCreateReplay(t *testing.T) {
	ctx, svc := newIntegrationService(t)
	actor := testActor("replay")

	opUUID := uuid.New().String()
	op := OperationUpload{
		ID: 1, OpUUID: opUUID, Action: ActionCreate,
		EntityType: EntityDefect, LocalID: 1,
		Data: json.RawMessage(`{"title":"Create once","status":"new"}`),
	}

	resp, err := svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{op}})
	require.NoError(t, err)
	require.Equal(t, StSuccess, resp.Results[0].Status)
	firstServerID := *resp.Results[0].ServerID

	// The same operation again, as a client replays after losing the
	// response. The recorded outcome comes back; no second row appears.
	resp, err = svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{op}})
	require.NoError(t, err)
	require.Equal(t, StSuccess, resp.Results[0].Status)
	require.Equal(t, firstServerID, *resp.Results[0].ServerID)

	var count int
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM tracker.defects WHERE created_by = $1`, actor).Scan(&count))
	require.Equal(t, 1, count, "replayed create must not duplicate the entity")
}

func TestBatchResolvesLocalServerIDsInOrder(t *testing.T) {
	ctx, svc := newIntegrationService(t)
	actor := testActor("ordering")

	base := time.Now().UTC().Add(time.Hour) // newer than any row this batch creates
	resp, err := svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{
		{
			ID: 1, OpUUID: uuid.New().String(), Action: ActionCreate,
			EntityType: EntityDefect, LocalID: 7,
			Data: json.RawMessage(`{"title":"Created then updated","status":"new"}`),
		},
		{
			ID: 2, OpUUID: uuid.New().String(), Action: ActionUpdate,
			EntityType: EntityDefect, LocalID: 7,
			Data:          json.RawMessage(`{"status":"in_progress"}`),
			BaseTimestamp: &base,
		},
	}})
	require.NoError(t, err)
	require.Equal(t, StSuccess, resp.Results[0].Status)
	require.Equal(t, StSuccess, resp.Results[1].Status,
		"update after create in the same batch must resolve the server id: %s", resp.Results[1].Message)

	title, _ := defectRow(t, ctx, svc, *resp.Results[0].ServerID)
	require.Equal(t, "Created then updated", title)

	// An update whose create never happened has no server identity to bind
	// to and must come back retryable.
	resp, err = svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{{
		ID: 3, OpUUID: uuid.New().String(), Action: ActionUpdate,
		EntityType: EntityDefect, LocalID: 999,
		Data:          json.RawMessage(`{"status":"closed"}`),
		BaseTimestamp: &base,
	}}})
	require.NoError(t, err)
	require.Equal(t, StError, resp.Results[0].Status)
	require.Equal(t, ReasonUnknownServerID, resp.Results[0].Reason)
}

func TestDeleteSemantics(t *testing.T) {
	ctx, svc := newIntegrationService(t)
	actor := testActor("delete")

	defectID := createDefect(t, ctx, svc, actor, "Soft deleted")

	resp, err := svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{{
		ID: 2, OpUUID: uuid.New().String(), Action: ActionDelete,
		EntityType: EntityDefect, LocalID: 1, ServerID: &defectID,
	}}})
	require.NoError(t, err)
	require.Equal(t, StSuccess, resp.Results[0].Status)

	var deletedAt *time.Time
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT deleted_at FROM tracker.defects WHERE id = $1`, defectID).Scan(&deletedAt))
	require.NotNil(t, deletedAt, "defects soft-delete via deleted_at")

	// Comments are physically removed.
	parentID := createDefect(t, ctx, svc, actor, "Comment parent")
	resp, err = svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{{
		ID: 3, OpUUID: uuid.New().String(), Action: ActionCreate,
		EntityType: EntityComment, LocalID: 2,
		Data: json.RawMessage(fmt.Sprintf(`{"defect_id":%d,"body":"to be removed"}`, parentID)),
	}}})
	require.NoError(t, err)
	require.Equal(t, StSuccess, resp.Results[0].Status)
	commentID := *resp.Results[0].ServerID

	resp, err = svc.ProcessBatch(ctx, actor, "device-1", &SyncRequest{Operations: []OperationUpload{{
		ID: 4, OpUUID: uuid.New().String(), Action: ActionDelete,
		EntityType: EntityComment, LocalID: 2, ServerID: &commentID,
	}}})
	require.NoError(t, err)
	require.Equal(t, StSuccess, resp.Results[0].Status)

	var count int
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM tracker.comments WHERE id = $1`, commentID).Scan(&count))
	require.Equal(t, 0, count)
}

func TestCleanupPurgesAgedConflictedRows(t *testing.T) {
	ctx, svc := newIntegrationService(t)
	actor := testActor("cleanup")

	agedUUID := uuid.New().String()
	freshUUID := uuid.New().String()
	pendingUUID := uuid.New().String()

	insertOp := func(opUUID, status, age string) {
		_, err := svc.Pool().Exec(ctx, `
			INSERT INTO sync.queue_ops (op_uuid, actor_id, entity_type, action, local_id, status, queued_at)
			VALUES ($1, $2, 'defect', 'update', 1, $3, now() - $4::interval)
		`, opUUID, actor, status, age)
		require.NoError(t, err)
	}
	insertOp(agedUUID, OpAwaitingUser, "60 days")
	insertOp(freshUUID, OpAwaitingUser, "1 day")
	insertOp(pendingUUID, OpPending, "60 days")

	_, err := svc.Pool().Exec(ctx, `
		INSERT INTO sync.conflicts (op_uuid, entity_type, server_id, server_data, client_data, created_at)
		VALUES ($1::uuid, 'defect', 1, '{}', '{}', now() - interval '60 days')
	`, agedUUID)
	require.NoError(t, err)

	_, err = svc.CleanupOldOperations(ctx, 30*24*time.Hour)
	require.NoError(t, err)

	countOps := func(opUUID string) int {
		var n int
		require.NoError(t, svc.Pool().QueryRow(ctx,
			`SELECT COUNT(*) FROM sync.queue_ops WHERE op_uuid = $1`, opUUID).Scan(&n))
		return n
	}

	require.Equal(t, 0, countOps(agedUUID), "aged awaiting row must purge: its client settled locally")
	require.Equal(t, 1, countOps(freshUUID), "awaiting rows inside the window stay")
	require.Equal(t, 1, countOps(pendingUUID), "pending rows never purge regardless of age")

	var conflicts int
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.conflicts WHERE op_uuid = $1::uuid`, agedUUID).Scan(&conflicts))
	require.Equal(t, 0, conflicts, "aged conflict records purge with their operations")
}
