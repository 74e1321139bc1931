// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

// Action constants for queued operations
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Per-operation result statuses
const (
	StSuccess  = "success"
	StConflict = "conflict"
	StError    = "error"
)

// Queued operation lifecycle statuses
const (
	OpPending      = "pending"
	OpProcessing   = "processing"
	OpResolved     = "resolved"
	OpFailed       = "failed"
	OpAwaitingUser = "awaiting_user_input"
)

// Entity sync statuses
const (
	SyncStatusSynced   = "synced"
	SyncStatusPending  = "pending"
	SyncStatusConflict = "conflict"
)

// Sync log statuses
const (
	LogProcessing = "processing"
	LogSuccess    = "success"
	LogPartial    = "partial"
	LogFailed     = "failed"
)

// Conflict resolution strategies
const (
	StrategyServerWins    = "server_wins"
	StrategyClientWins    = "client_wins"
	StrategyTimestampWins = "timestamp_wins"
	StrategyPromptUser    = "prompt_user"
	StrategyMerge         = "merge"
)

// Error reason constants carried on error results
const (
	ReasonBadPayload        = "bad_payload"
	ReasonUnknownOperation  = "unknown_operation"
	ReasonUnknownEntityType = "unknown_entity_type"
	ReasonUnknownServerID   = "unknown_server_id"
	ReasonNotFound          = "not_found"
	ReasonBatchTooLarge     = "batch_too_large"
	ReasonInternalError     = "internal_error"
)

// Defect workflow statuses, least to most advanced
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusTesting    = "testing"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)
