// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the entity tables and the sync bookkeeping
// tables within an existing transaction.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS tracker`,
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// Entity tables. Defects soft-delete via deleted_at; comments and
		// images are physically removed.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS tracker.defects (
			id          BIGSERIAL PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'new',
			location    TEXT NOT NULL DEFAULT '',
			created_by  TEXT NOT NULL DEFAULT '',
			updated_by  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at  TIMESTAMPTZ
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS tracker.comments (
			id         BIGSERIAL PRIMARY KEY,
			defect_id  BIGINT REFERENCES tracker.defects(id) ON DELETE CASCADE,
			body       TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			updated_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS tracker.images (
			id         BIGSERIAL PRIMARY KEY,
			defect_id  BIGINT REFERENCES tracker.defects(id) ON DELETE CASCADE,
			file_ref   TEXT NOT NULL DEFAULT '',
			caption    TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			updated_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Durable server-side queue. op_uuid is the client idempotency key;
		// a resubmission updates the existing row instead of inserting.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.queue_ops (
			id             BIGSERIAL PRIMARY KEY,
			op_uuid        UUID NOT NULL UNIQUE,
			actor_id       TEXT NOT NULL,
			source_id      TEXT NOT NULL DEFAULT '',
			entity_type    TEXT NOT NULL,
			action         TEXT NOT NULL CHECK (action IN ('create','update','delete')),
			local_id       BIGINT NOT NULL DEFAULT 0,
			server_id      BIGINT,
			payload        JSON,
			base_timestamp TIMESTAMPTZ,
			status         TEXT NOT NULL DEFAULT 'pending',
			attempts       INT NOT NULL DEFAULT 0,
			message        TEXT NOT NULL DEFAULT '',
			queued_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS queue_ops_status_idx ON sync.queue_ops(status, queued_at)`,
		`CREATE INDEX IF NOT EXISTS queue_ops_actor_idx ON sync.queue_ops(actor_id, queued_at)`,

		// Audit log, one row per batch run.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.sync_log (
			id          BIGSERIAL PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at TIMESTAMPTZ,
			processed   INT NOT NULL DEFAULT 0,
			succeeded   INT NOT NULL DEFAULT 0,
			failed      INT NOT NULL DEFAULT 0,
			conflicted  INT NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'processing'
		)`,

		// Conflict records: created on detection, updated exactly once on
		// resolution.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.conflicts (
			id              BIGSERIAL PRIMARY KEY,
			op_uuid         UUID NOT NULL,
			entity_type     TEXT NOT NULL,
			server_id       BIGINT NOT NULL,
			server_data     JSON NOT NULL,
			client_data     JSON NOT NULL,
			resolved        BOOLEAN NOT NULL DEFAULT FALSE,
			resolution_type TEXT NOT NULL DEFAULT '',
			resolved_by     TEXT NOT NULL DEFAULT '',
			resolved_at     TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS conflicts_unresolved_idx ON sync.conflicts(entity_type, server_id) WHERE NOT resolved`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized successfully", "migrations", len(migrations))

	return nil
}
