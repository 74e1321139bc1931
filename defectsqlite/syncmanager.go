// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/irlam/defect-tracker-sub006/defectsync"
)

// ErrSyncBusy is returned when a synchronization round is already in flight.
// Callers can treat it as "your work will ride the current round".
var ErrSyncBusy = errors.New("synchronization already in progress")

// ManagerConfig tunes the client-side sync manager.
type ManagerConfig struct {
	// Strategy is the conflict policy this client applies when the server
	// reports a conflict. Must be one of the defectsync Strategy* values.
	Strategy string

	// MaxAttempts caps retries per operation before it is marked failed.
	MaxAttempts int

	// Backoff window for the background loop.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultManagerConfig returns the stock configuration: server wins, five
// attempts, 2s to 2m backoff.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Strategy:    defectsync.StrategyServerWins,
		MaxAttempts: 5,
		BackoffMin:  2 * time.Second,
		BackoffMax:  2 * time.Minute,
	}
}

// SyncReport summarizes one synchronization round.
type SyncReport struct {
	Sent       int // operations included in the batch
	Succeeded  int
	Conflicted int // conflicts reported by the server (before policy handling)
	Failed     int // error results, whether retried or terminal
	Deferred   int // operations held back waiting on a parent server id
}

// SyncManager drains the local operation queue against the sync endpoint and
// applies the configured conflict policy to the results. One round runs at a
// time; concurrent Synchronize calls coalesce via ErrSyncBusy.
type SyncManager struct {
	store     *Store
	transport *Transport
	config    ManagerConfig
	decisions DecisionHandler
	logger    *slog.Logger

	syncing int32
	paused  int32
	wake    chan struct{}

	now func() time.Time
}

// NewSyncManager wires a manager over a store and transport.
func NewSyncManager(store *Store, transport *Transport, config ManagerConfig, decisions DecisionHandler, logger *slog.Logger) (*SyncManager, error) {
	switch config.Strategy {
	case defectsync.StrategyServerWins, defectsync.StrategyClientWins,
		defectsync.StrategyTimestampWins, defectsync.StrategyPromptUser, defectsync.StrategyMerge:
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", config.Strategy)
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = 2 * time.Second
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = 2 * time.Minute
	}
	if decisions == nil {
		decisions = NoopDecisionHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncManager{
		store:     store,
		transport: transport,
		config:    config,
		decisions: decisions,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Synchronize runs one full round: collect pending operations, send them, and
// settle every result. A transport failure leaves all sent operations pending
// so nothing is lost; the round simply runs again later.
func (m *SyncManager) Synchronize(ctx context.Context) (*SyncReport, error) {
	if !atomic.CompareAndSwapInt32(&m.syncing, 0, 1) {
		return nil, ErrSyncBusy
	}
	defer atomic.StoreInt32(&m.syncing, 0)

	pending, err := m.store.PendingOperations(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &SyncReport{}, nil
	}

	uploads, included, deferred, err := m.prepareBatch(ctx, pending)
	if err != nil {
		return nil, err
	}
	report := &SyncReport{Sent: len(uploads), Deferred: deferred}
	if len(uploads) == 0 {
		return report, nil
	}

	sentIDs := make([]int64, 0, len(included))
	for _, op := range included {
		sentIDs = append(sentIDs, op.ID)
	}
	if err := m.store.markOperationsStatus(ctx, sentIDs, defectsync.OpProcessing); err != nil {
		return nil, err
	}

	resp, err := m.transport.SendBatch(ctx, &defectsync.SyncRequest{Operations: uploads})
	if err != nil {
		// The batch never processed. Everything reverts to pending; the
		// durable queue is the source of truth, not the wire.
		if revertErr := m.store.markOperationsStatus(ctx, sentIDs, defectsync.OpPending); revertErr != nil {
			m.logger.Error("Failed to revert in-flight operations", "error", revertErr)
		}
		return nil, err
	}

	byOpID := make(map[int64]*QueuedOperation, len(included))
	for i := range included {
		byOpID[included[i].ID] = &included[i]
	}

	for i := range resp.Results {
		result := &resp.Results[i]
		op, ok := byOpID[result.ID]
		if !ok {
			m.logger.Warn("Result for unknown operation", "result_id", result.ID)
			continue
		}

		switch result.Status {
		case defectsync.StSuccess:
			report.Succeeded++
			err = m.handleSuccess(ctx, op, result)
		case defectsync.StConflict:
			report.Conflicted++
			err = m.handleConflict(ctx, op, result)
		default:
			report.Failed++
			err = m.handleError(ctx, op, result)
		}
		if err != nil {
			m.logger.Error("Failed to settle sync result",
				"error", err, "operation_id", op.ID, "status", result.Status)
		}
	}

	if err := m.store.recordSyncTime(ctx); err != nil {
		m.logger.Warn("Failed to record sync time", "error", err)
	}

	m.logger.Info("Synchronization round complete",
		"sent", report.Sent, "succeeded", report.Succeeded,
		"conflicted", report.Conflicted, "failed", report.Failed, "deferred", report.Deferred)
	return report, nil
}

// prepareBatch turns queue rows into wire operations. Child creates whose
// parent has no server identity yet are deferred to a later round; everything
// the server needs to resolve (parent references, late-bound server ids) is
// rewritten on the outgoing copy only, never on the durable row.
func (m *SyncManager) prepareBatch(ctx context.Context, pending []QueuedOperation) ([]defectsync.OperationUpload, []QueuedOperation, int, error) {
	var (
		uploads  []defectsync.OperationUpload
		included []QueuedOperation
		deferred int
	)

	for _, op := range pending {
		upload := defectsync.OperationUpload{
			ID:            op.ID,
			OpUUID:        op.OpUUID,
			Action:        op.Action,
			EntityType:    op.EntityType,
			LocalID:       op.LocalID,
			ServerID:      op.ServerID,
			Data:          op.Payload,
			BaseTimestamp: op.BaseTimestamp,
			ForceApply:    op.ForceApply,
		}

		// Updates enqueued before the entity's create resolved pick up the
		// server id assigned since.
		if upload.ServerID == nil && op.Action != defectsync.ActionCreate {
			entity, err := m.store.Get(ctx, op.EntityType, op.LocalID)
			if err == nil && entity.ServerID != nil {
				upload.ServerID = entity.ServerID
			}
		}

		info, _ := defectsync.LookupEntity(op.EntityType)
		if info.ParentField != "" && op.Action == defectsync.ActionCreate {
			rewritten, ok, err := m.rewriteParentRef(ctx, info, op.Payload)
			if err != nil {
				return nil, nil, 0, err
			}
			if !ok {
				deferred++
				continue
			}
			upload.Data = rewritten
		}

		uploads = append(uploads, upload)
		included = append(included, op)
	}

	return uploads, included, deferred, nil
}

// rewriteParentRef swaps the parent's local id for its server id in a child
// payload. Returns ok=false when the parent has not synced yet.
func (m *SyncManager) rewriteParentRef(ctx context.Context, info defectsync.EntityInfo, payload json.RawMessage) (json.RawMessage, bool, error) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, false, fmt.Errorf("failed to decode child payload: %w", err)
	}

	ref, ok := data[info.ParentField].(float64)
	if !ok {
		// No parent reference in the payload; let the server validate.
		return payload, true, nil
	}

	parent, err := m.store.Get(ctx, info.Parent, int64(ref))
	if err != nil {
		if errors.Is(err, defectsync.ErrNotFound) {
			// Parent deleted locally before ever syncing; the child create
			// cannot succeed, send as-is and let the server reject it.
			return payload, true, nil
		}
		return nil, false, err
	}
	if parent.ServerID == nil {
		return nil, false, nil
	}

	data[info.ParentField] = *parent.ServerID
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode child payload: %w", err)
	}
	return out, true, nil
}

// handleSuccess marks the queue row resolved and reconciles the entity's sync
// status, attaching the server id on first sight.
func (m *SyncManager) handleSuccess(ctx context.Context, op *QueuedOperation, result *defectsync.OperationResult) error {
	if err := m.store.markOperationStatus(ctx, op.ID, defectsync.OpResolved); err != nil {
		return err
	}

	if op.Action == defectsync.ActionDelete {
		return nil // local row already gone
	}

	outstanding, err := m.store.hasOutstandingOps(ctx, op.EntityType, op.LocalID, op.ID)
	if err != nil {
		return err
	}
	status := defectsync.SyncStatusSynced
	if outstanding {
		status = defectsync.SyncStatusPending
	}

	err = m.store.UpdateEntitySyncStatus(ctx, op.EntityType, op.LocalID, status, result.ServerID)
	if errors.Is(err, defectsync.ErrNotFound) {
		return nil // entity deleted locally while the round was in flight
	}
	return err
}

// handleConflict applies the configured conflict policy to a conflict result.
func (m *SyncManager) handleConflict(ctx context.Context, op *QueuedOperation, result *defectsync.OperationResult) error {
	clientData, serverData, err := conflictSides(op, result)
	if err != nil {
		return err
	}

	resolution, err := defectsync.Resolve(clientData, serverData, op.EntityType, m.config.Strategy, m.store.ActorID, m.now())
	if err != nil {
		return err
	}

	if resolution.NeedsDecision {
		if err := m.store.storeConflict(ctx, op.ID, result.ServerData); err != nil {
			return err
		}
		if err := m.store.UpdateEntitySyncStatus(ctx, op.EntityType, op.LocalID, defectsync.SyncStatusConflict, nil); err != nil && !errors.Is(err, defectsync.ErrNotFound) {
			return err
		}
		m.decisions.ConflictDetected(ctx, ConflictPrompt{
			OperationID: op.ID,
			EntityType:  op.EntityType,
			LocalID:     op.LocalID,
			ClientData:  op.Payload,
			ServerData:  result.ServerData,
		})
		return nil
	}

	return m.settleResolution(ctx, op, resolution, serverData)
}

// settleResolution applies a decided (non-prompt) resolution: the server copy
// lands locally, or the surviving data goes back out with the force flag.
func (m *SyncManager) settleResolution(ctx context.Context, op *QueuedOperation, resolution defectsync.Resolution, serverData map[string]any) error {
	switch resolution.Winner {
	case defectsync.WinnerServer:
		if err := m.store.applyResolvedData(ctx, op.EntityType, op.LocalID, serverData, defectsync.SyncStatusSynced); err != nil {
			return err
		}
		return m.store.markOperationStatus(ctx, op.ID, defectsync.OpResolved)

	case defectsync.WinnerClient:
		return m.store.resubmitOperation(ctx, op.ID, op.Payload, true)

	case defectsync.WinnerMerged:
		merged, err := json.Marshal(resolution.Data)
		if err != nil {
			return fmt.Errorf("failed to encode merged data: %w", err)
		}
		if resolution.Annotation != "" {
			m.logger.Info("Field-level merge applied",
				"entity_type", op.EntityType, "local_id", op.LocalID, "note", resolution.Annotation)
		}
		if err := m.store.applyResolvedData(ctx, op.EntityType, op.LocalID, resolution.Data, defectsync.SyncStatusPending); err != nil {
			return err
		}
		return m.store.resubmitOperation(ctx, op.ID, merged, true)

	default:
		return fmt.Errorf("resolution with unknown winner %q", resolution.Winner)
	}
}

// handleError retries transient failures with an attempt cap and fails
// malformed operations immediately. Retry means the row goes back to pending
// for the next round.
func (m *SyncManager) handleError(ctx context.Context, op *QueuedOperation, result *defectsync.OperationResult) error {
	attempts, err := m.store.incrementAttempt(ctx, op.ID)
	if err != nil {
		return err
	}

	terminal := !retryableReason(result.Reason) || attempts >= m.config.MaxAttempts
	if terminal {
		m.logger.Error("Operation failed permanently",
			"operation_id", op.ID, "entity_type", op.EntityType, "action", op.Action,
			"reason", result.Reason, "message", result.Message, "attempts", attempts)
		return m.store.markOperationStatus(ctx, op.ID, defectsync.OpFailed)
	}

	m.logger.Warn("Operation failed, will retry",
		"operation_id", op.ID, "reason", result.Reason, "attempts", attempts)
	return m.store.markOperationStatus(ctx, op.ID, defectsync.OpPending)
}

// retryableReason reports whether an error reason can succeed on a later
// round. Malformed or structurally invalid operations never will.
func retryableReason(reason string) bool {
	switch reason {
	case defectsync.ReasonBadPayload, defectsync.ReasonUnknownOperation,
		defectsync.ReasonUnknownEntityType, defectsync.ReasonNotFound:
		return false
	default:
		return true
	}
}

// conflictSides decodes both copies of the record from a conflict result.
func conflictSides(op *QueuedOperation, result *defectsync.OperationResult) (map[string]any, map[string]any, error) {
	var clientData map[string]any
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &clientData); err != nil {
			return nil, nil, fmt.Errorf("failed to decode client copy: %w", err)
		}
	}
	var serverData map[string]any
	if len(result.ServerData) > 0 {
		if err := json.Unmarshal(result.ServerData, &serverData); err != nil {
			return nil, nil, fmt.Errorf("failed to decode server copy: %w", err)
		}
	}
	return clientData, serverData, nil
}

// ResolveConflict settles an operation parked for a user decision. The caller
// passes the user's choice; the next sync round carries any resubmission.
func (m *SyncManager) ResolveConflict(ctx context.Context, operationID int64, choice DecisionChoice) error {
	op, err := m.store.OperationByID(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status != defectsync.OpAwaitingUser {
		return fmt.Errorf("operation %d is %s, not awaiting a decision", operationID, op.Status)
	}

	clientData, serverData, err := conflictSides(op, &defectsync.OperationResult{ServerData: op.ServerData})
	if err != nil {
		return err
	}

	switch choice {
	case ChooseServer:
		resolution, err := defectsync.Resolve(clientData, serverData, op.EntityType, defectsync.StrategyServerWins, m.store.ActorID, m.now())
		if err != nil {
			return err
		}
		return m.settleResolution(ctx, op, resolution, serverData)

	case ChooseClient:
		resolution, err := defectsync.Resolve(clientData, serverData, op.EntityType, defectsync.StrategyClientWins, m.store.ActorID, m.now())
		if err != nil {
			return err
		}
		if err := m.store.UpdateEntitySyncStatus(ctx, op.EntityType, op.LocalID, defectsync.SyncStatusPending, nil); err != nil && !errors.Is(err, defectsync.ErrNotFound) {
			return err
		}
		return m.settleResolution(ctx, op, resolution, serverData)

	case ChooseMerged:
		resolution, err := defectsync.Resolve(clientData, serverData, op.EntityType, defectsync.StrategyMerge, m.store.ActorID, m.now())
		if err != nil {
			return err
		}
		return m.settleResolution(ctx, op, resolution, serverData)

	default:
		return fmt.Errorf("unknown decision choice %q", choice)
	}
}

// Pause suspends the background loop's sync rounds.
func (m *SyncManager) Pause() { atomic.StoreInt32(&m.paused, 1) }

// Resume re-enables the background loop.
func (m *SyncManager) Resume() { atomic.StoreInt32(&m.paused, 0) }

// TriggerSync wakes the background loop for an immediate round. Non-blocking;
// redundant triggers coalesce.
func (m *SyncManager) TriggerSync() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run drives periodic synchronization with exponential backoff until ctx is
// canceled. Transport failures stretch the interval toward BackoffMax; any
// successful round snaps it back to BackoffMin.
func (m *SyncManager) Run(ctx context.Context) {
	backoff := m.config.BackoffMin
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if atomic.LoadInt32(&m.paused) == 0 {
			if _, err := m.Synchronize(ctx); err != nil && !errors.Is(err, ErrSyncBusy) {
				m.logger.Warn("Synchronization round failed", "error", err, "backoff", backoff)
				backoff *= 2
				if backoff > m.config.BackoffMax {
					backoff = m.config.BackoffMax
				}
			} else {
				backoff = m.config.BackoffMin
			}
		}
		timer.Reset(backoff)
	}
}
