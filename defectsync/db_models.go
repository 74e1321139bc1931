// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"encoding/json"
	"time"
)

// Database entity models for the PostgreSQL sync tables.

// QueuedOpEntity represents a row in sync.queue_ops, the durable server-side
// queue. One row exists per op_uuid; resubmissions update the same row.
type QueuedOpEntity struct {
	ID            int64           `db:"id"`
	OpUUID        string          `db:"op_uuid"`
	ActorID       string          `db:"actor_id"`
	SourceID      string          `db:"source_id"`
	EntityType    string          `db:"entity_type"`
	Action        string          `db:"action"`
	LocalID       int64           `db:"local_id"`
	ServerID      *int64          `db:"server_id"`
	Payload       json.RawMessage `db:"payload"`
	BaseTimestamp *time.Time      `db:"base_timestamp"`
	Status        string          `db:"status"`
	Attempts      int             `db:"attempts"`
	Message       string          `db:"message"`
	QueuedAt      time.Time       `db:"queued_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// SyncLogEntity represents a row in sync.sync_log. One row per batch run;
// created at batch start, finalized once at batch end, never mutated after.
type SyncLogEntity struct {
	ID         int64      `db:"id"`
	ActorID    string     `db:"actor_id"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Processed  int        `db:"processed"`
	Succeeded  int        `db:"succeeded"`
	Failed     int        `db:"failed"`
	Conflicted int        `db:"conflicted"`
	Status     string     `db:"status"`
}

// ConflictRecordEntity represents a row in sync.conflicts. Created when an
// update collides with newer server state; updated exactly once on resolution.
type ConflictRecordEntity struct {
	ID             int64           `db:"id"`
	OpUUID         string          `db:"op_uuid"`
	EntityType     string          `db:"entity_type"`
	ServerID       int64           `db:"server_id"`
	ServerData     json.RawMessage `db:"server_data"`
	ClientData     json.RawMessage `db:"client_data"`
	Resolved       bool            `db:"resolved"`
	ResolutionType string          `db:"resolution_type"`
	ResolvedBy     string          `db:"resolved_by"`
	ResolvedAt     *time.Time      `db:"resolved_at"`
	CreatedAt      time.Time       `db:"created_at"`
}
