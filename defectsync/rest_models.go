// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync endpoint.
// These models are used for serialization/deserialization of HTTP requests
// and responses; database row types live in db_models.go.

// SyncRequest represents a batch of queued operations submitted by a client.
// The owning actor is derived from the authenticated identity, never from the
// request body.
type SyncRequest struct {
	Operations []OperationUpload `json:"operations"`
}

// OperationUpload represents a single queued mutation in a sync request.
type OperationUpload struct {
	ID            int64           `json:"id"`                       // Client-local queue id, echoed back in results
	OpUUID        string          `json:"op_uuid"`                  // Client-generated idempotency key (UUIDv4)
	Action        string          `json:"action"`                   // create, update, delete
	EntityType    EntityType      `json:"entity_type"`              // defect, comment, image
	LocalID       int64           `json:"local_id"`                 // Client-local entity id
	ServerID      *int64          `json:"server_id,omitempty"`      // Absent until the entity first synced
	Data          json.RawMessage `json:"data,omitempty"`           // Full or partial entity fields
	BaseTimestamp *time.Time      `json:"base_timestamp,omitempty"` // Entity updated_at as last seen by the client
	ForceApply    bool            `json:"force_apply,omitempty"`    // Skip conflict detection (post-resolution resubmit)

	// ActorID is stamped server-side from the authenticated identity for
	// endpoint submissions; the scheduled queue sweep fills it from the
	// durable queue row.
	ActorID string `json:"-"`
}

// OperationResult represents the outcome of processing a single operation.
type OperationResult struct {
	ID         int64           `json:"id"`                    // Echo of the client queue id
	OpUUID     string          `json:"op_uuid,omitempty"`     // Echo of the idempotency key
	Action     string          `json:"action"`                // Echo of the action
	Status     string          `json:"status"`                // success, conflict, error
	ServerID   *int64          `json:"server_id,omitempty"`   // Set on successful creates (and replays)
	Resolution string          `json:"resolution,omitempty"`  // Configured strategy, present on conflicts
	ServerData json.RawMessage `json:"server_data,omitempty"` // Current server row, present on conflicts
	Reason     string          `json:"reason,omitempty"`      // Machine-readable error reason
	Message    string          `json:"message,omitempty"`     // Optional details for errors
}

// SyncResponse represents the server response to a batch submission.
type SyncResponse struct {
	Results    []OperationResult `json:"results"`
	SyncLogID  int64             `json:"sync_log_id,omitempty"` // 0 when audit logging was unavailable
	ServerTime time.Time         `json:"server_time"`
}

// ProbeResponse represents the liveness probe response.
type ProbeResponse struct {
	Status    string    `json:"status"` // "online"
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
