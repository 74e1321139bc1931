// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsqlite

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/irlam/defect-tracker-sub006/defectsync"
)

func newTestManager(t *testing.T, store *Store, handler http.HandlerFunc, config ManagerConfig, decisions DecisionHandler) *SyncManager {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	transport := NewTransport(srv.URL, func(ctx context.Context) (string, error) {
		return "test-token", nil
	})
	manager, err := NewSyncManager(store, transport, config, decisions, slog.Default())
	require.NoError(t, err)
	return manager
}

// respondPerOp builds a handler that answers each uploaded operation with the
// result produced by resultFor.
func respondPerOp(t *testing.T, resultFor func(op defectsync.OperationUpload) defectsync.OperationResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req defectsync.SyncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := defectsync.SyncResponse{ServerTime: time.Now().UTC()}
		for _, op := range req.Operations {
			resp.Results = append(resp.Results, resultFor(op))
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(&resp))
	}
}

// syncedDefectWithUpdate seeds a defect that already synced as server id 42
// and has one pending update in the queue.
func syncedDefectWithUpdate(t *testing.T, store *Store) (int64, QueuedOperation) {
	t.Helper()
	ctx := context.Background()

	localID, err := store.Add(ctx, defectsync.EntityDefect, map[string]any{
		"title":  "Cracked beam",
		"status": defectsync.StatusNew,
	})
	require.NoError(t, err)

	ops, err := store.PendingOperations(ctx)
	require.NoError(t, err)
	require.NoError(t, store.markOperationStatus(ctx, ops[0].ID, defectsync.OpResolved))

	serverID := int64(42)
	require.NoError(t, store.UpdateEntitySyncStatus(ctx, defectsync.EntityDefect, localID, defectsync.SyncStatusSynced, &serverID))

	require.NoError(t, store.Update(ctx, defectsync.EntityDefect, localID, map[string]any{
		"status": defectsync.StatusInProgress,
	}))

	ops, err = store.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	return localID, ops[0]
}

func TestSynchronizeCreateSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	localID, err := store.Add(ctx, defectsync.EntityDefect, map[string]any{"title": "New defect"})
	require.NoError(t, err)

	serverID := int64(42)
	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{ID: op.ID, Action: op.Action, Status: defectsync.StSuccess, ServerID: &serverID}
	}), DefaultManagerConfig(), nil)

	report, err := manager.Synchronize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	require.Equal(t, 1, report.Succeeded)

	entity, err := store.Get(ctx, defectsync.EntityDefect, localID)
	require.NoError(t, err)
	require.Equal(t, defectsync.SyncStatusSynced, entity.SyncStatus)
	require.NotNil(t, entity.ServerID)
	require.Equal(t, serverID, *entity.ServerID)

	pending, err := store.PendingOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	lastSync, err := store.LastSyncedAt(ctx)
	require.NoError(t, err)
	require.Nil(t, lastSync, "no client_info row without EnsureSourceID")
}

func TestSynchronizeTransportFailureLeavesPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, defectsync.EntityDefect, map[string]any{"title": "x"})
	require.NoError(t, err)

	manager := newTestManager(t, store, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, DefaultManagerConfig(), nil)

	_, err = manager.Synchronize(ctx)
	require.ErrorIs(t, err, ErrTransport)

	ops, err := store.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1, "batch that never processed reverts to pending")
	require.Equal(t, 0, ops[0].Attempts, "transport failures do not burn attempts")
}

func TestSynchronizeConflictServerWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	localID, _ := syncedDefectWithUpdate(t, store)

	serverCopy := `{"id":42,"title":"Cracked support beam","status":"resolved","updated_at":"2026-03-14T12:00:00Z"}`
	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{
			ID: op.ID, Action: op.Action, Status: defectsync.StConflict,
			Resolution: defectsync.StrategyServerWins, ServerData: json.RawMessage(serverCopy),
		}
	}), DefaultManagerConfig(), nil)

	report, err := manager.Synchronize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicted)

	entity, err := store.Get(ctx, defectsync.EntityDefect, localID)
	require.NoError(t, err)
	require.Equal(t, defectsync.SyncStatusSynced, entity.SyncStatus)
	require.Equal(t, "Cracked support beam", entity.Data["title"])
	require.Equal(t, defectsync.StatusResolved, entity.Data["status"])

	pending, err := store.PendingOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSynchronizeConflictClientWinsResubmitsWithForce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, updateOp := syncedDefectWithUpdate(t, store)

	config := DefaultManagerConfig()
	config.Strategy = defectsync.StrategyClientWins
	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{
			ID: op.ID, Action: op.Action, Status: defectsync.StConflict,
			ServerData: json.RawMessage(`{"title":"server","updated_at":"2026-03-14T12:00:00Z"}`),
		}
	}), config, nil)

	_, err := manager.Synchronize(ctx)
	require.NoError(t, err)

	op, err := store.OperationByID(ctx, updateOp.ID)
	require.NoError(t, err)
	require.Equal(t, defectsync.OpPending, op.Status)
	require.True(t, op.ForceApply, "client wins resubmits with the force flag")
	require.JSONEq(t, string(updateOp.Payload), string(op.Payload))
}

func TestSynchronizeConflictMerge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	localID, updateOp := syncedDefectWithUpdate(t, store)

	serverCopy := `{"id":42,"title":"Cracked support beam","status":"new","updated_at":"2026-03-14T12:00:00Z"}`
	config := DefaultManagerConfig()
	config.Strategy = defectsync.StrategyMerge
	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{
			ID: op.ID, Action: op.Action, Status: defectsync.StConflict,
			ServerData: json.RawMessage(serverCopy),
		}
	}), config, nil)

	_, err := manager.Synchronize(ctx)
	require.NoError(t, err)

	// Client moved status to in_progress, server stayed on new: the ordinal
	// rule keeps the more advanced client status; the title comes from the
	// server since the partial update never touched it.
	op, err := store.OperationByID(ctx, updateOp.ID)
	require.NoError(t, err)
	require.Equal(t, defectsync.OpPending, op.Status)
	require.True(t, op.ForceApply)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(op.Payload, &merged))
	require.Equal(t, defectsync.StatusInProgress, merged["status"])
	require.Equal(t, "Cracked support beam", merged["title"])

	entity, err := store.Get(ctx, defectsync.EntityDefect, localID)
	require.NoError(t, err)
	require.Equal(t, defectsync.SyncStatusPending, entity.SyncStatus, "merged data still owes the server a round trip")
	require.Equal(t, defectsync.StatusInProgress, entity.Data["status"])
}

type recordingDecisions struct {
	prompts []ConflictPrompt
}

func (r *recordingDecisions) ConflictDetected(_ context.Context, prompt ConflictPrompt) {
	r.prompts = append(r.prompts, prompt)
}

func TestSynchronizeConflictPromptUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	localID, updateOp := syncedDefectWithUpdate(t, store)

	decisions := &recordingDecisions{}
	config := DefaultManagerConfig()
	config.Strategy = defectsync.StrategyPromptUser
	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{
			ID: op.ID, Action: op.Action, Status: defectsync.StConflict,
			ServerData: json.RawMessage(`{"title":"server","updated_at":"2026-03-14T12:00:00Z"}`),
		}
	}), config, decisions)

	_, err := manager.Synchronize(ctx)
	require.NoError(t, err)

	require.Len(t, decisions.prompts, 1)
	require.Equal(t, updateOp.ID, decisions.prompts[0].OperationID)
	require.Equal(t, localID, decisions.prompts[0].LocalID)

	op, err := store.OperationByID(ctx, updateOp.ID)
	require.NoError(t, err)
	require.Equal(t, defectsync.OpAwaitingUser, op.Status)

	entity, err := store.Get(ctx, defectsync.EntityDefect, localID)
	require.NoError(t, err)
	require.Equal(t, defectsync.SyncStatusConflict, entity.SyncStatus)

	// The user picks their own version: the operation goes back out forced.
	require.NoError(t, manager.ResolveConflict(ctx, updateOp.ID, ChooseClient))

	op, err = store.OperationByID(ctx, updateOp.ID)
	require.NoError(t, err)
	require.Equal(t, defectsync.OpPending, op.Status)
	require.True(t, op.ForceApply)

	entity, err = store.Get(ctx, defectsync.EntityDefect, localID)
	require.NoError(t, err)
	require.Equal(t, defectsync.SyncStatusPending, entity.SyncStatus)
}

func TestResolveConflictRequiresAwaitingState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, defectsync.EntityDefect, map[string]any{"title": "x"})
	require.NoError(t, err)
	ops, err := store.PendingOperations(ctx)
	require.NoError(t, err)

	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{ID: op.ID, Status: defectsync.StSuccess}
	}), DefaultManagerConfig(), nil)

	err = manager.ResolveConflict(ctx, ops[0].ID, ChooseServer)
	require.Error(t, err, "only operations awaiting a decision can be resolved")
}

func TestSynchronizeErrorRetryBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, defectsync.EntityDefect, map[string]any{"title": "x"})
	require.NoError(t, err)

	config := DefaultManagerConfig()
	config.MaxAttempts = 2
	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{
			ID: op.ID, Action: op.Action, Status: defectsync.StError,
			Reason: defectsync.ReasonInternalError, Message: "deadlock",
		}
	}), config, nil)

	// First round burns one attempt and requeues.
	_, err = manager.Synchronize(ctx)
	require.NoError(t, err)
	ops, err := store.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, 1, ops[0].Attempts)

	// Second round hits the cap.
	_, err = manager.Synchronize(ctx)
	require.NoError(t, err)
	ops, err = store.PendingOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, ops)

	op, err := store.OperationByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, defectsync.OpFailed, op.Status)
}

func TestSynchronizeNonRetryableFailsImmediately(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, defectsync.EntityDefect, map[string]any{"title": "x"})
	require.NoError(t, err)

	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{
			ID: op.ID, Action: op.Action, Status: defectsync.StError,
			Reason: defectsync.ReasonBadPayload, Message: "op_uuid must be a UUID",
		}
	}), DefaultManagerConfig(), nil)

	_, err = manager.Synchronize(ctx)
	require.NoError(t, err)

	op, err := store.OperationByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, defectsync.OpFailed, op.Status, "malformed operations never retry")
}

func TestSynchronizeDefersChildOfUnsyncedParent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	defectLocalID, err := store.Add(ctx, defectsync.EntityDefect, map[string]any{"title": "Parent defect"})
	require.NoError(t, err)
	commentLocalID, err := store.Add(ctx, defectsync.EntityComment, map[string]any{
		"defect_id": defectLocalID,
		"body":      "needs review",
	})
	require.NoError(t, err)

	var seenDefectRefs []any
	serverID := int64(42)
	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		if op.EntityType == defectsync.EntityComment {
			var data map[string]any
			require.NoError(t, json.Unmarshal(op.Data, &data))
			seenDefectRefs = append(seenDefectRefs, data["defect_id"])
		}
		sid := serverID
		if op.EntityType == defectsync.EntityComment {
			sid = 99
		}
		return defectsync.OperationResult{ID: op.ID, Action: op.Action, Status: defectsync.StSuccess, ServerID: &sid}
	}), DefaultManagerConfig(), nil)

	// Round one: the defect syncs, the comment waits for its parent.
	report, err := manager.Synchronize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	require.Equal(t, 1, report.Deferred)

	// Round two: the comment goes out with the parent's server id.
	report, err = manager.Synchronize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	require.Equal(t, 0, report.Deferred)

	require.Len(t, seenDefectRefs, 1)
	require.Equal(t, float64(serverID), seenDefectRefs[0], "parent reference rewritten to the server id")

	comment, err := store.Get(ctx, defectsync.EntityComment, commentLocalID)
	require.NoError(t, err)
	require.Equal(t, defectsync.SyncStatusSynced, comment.SyncStatus)
	require.Equal(t, int64(99), *comment.ServerID)
}

func TestSynchronizeBusy(t *testing.T) {
	store := newTestStore(t)
	manager := newTestManager(t, store, respondPerOp(t, func(op defectsync.OperationUpload) defectsync.OperationResult {
		return defectsync.OperationResult{ID: op.ID, Status: defectsync.StSuccess}
	}), DefaultManagerConfig(), nil)

	manager.syncing = 1
	_, err := manager.Synchronize(context.Background())
	require.ErrorIs(t, err, ErrSyncBusy)
}
