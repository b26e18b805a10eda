// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the sync tables if they don't exist.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Per-record concurrency + lifecycle, scoped by organization
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.row_meta (
			organization_id TEXT        NOT NULL,
			table_name      TEXT        NOT NULL,
			record_id       UUID        NOT NULL,
			sync_version    BIGINT      NOT NULL DEFAULT 0,
			integrity_hash  TEXT        NOT NULL DEFAULT '',
			deleted         BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (organization_id, table_name, record_id)
		)`,

		// 2) Canonical after-image, used to build conflict snapshots
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.row_state (
			organization_id TEXT NOT NULL,
			table_name      TEXT NOT NULL,
			record_id       UUID NOT NULL,
			fields          JSON NOT NULL,
			PRIMARY KEY (organization_id, table_name, record_id)
		)`,

		// 3) Reconciliation log: idempotency gate + per-org watermark
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.change_log (
			seq             BIGSERIAL PRIMARY KEY,
			organization_id TEXT        NOT NULL,
			table_name      TEXT        NOT NULL,
			record_id       UUID        NOT NULL,
			op              TEXT        NOT NULL CHECK (op IN ('INSERT','UPDATE','DELETE')),
			payload         JSON,
			register_id     TEXT        NOT NULL,
			entry_id        BIGINT      NOT NULL,
			sync_version    BIGINT      NOT NULL DEFAULT 0,
			ts              TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (organization_id, register_id, entry_id)
		)`,

		`CREATE INDEX IF NOT EXISTS cl_org_seq_idx ON sync.change_log(organization_id, seq)`,
		`CREATE INDEX IF NOT EXISTS cl_org_record_idx ON sync.change_log(organization_id, table_name, record_id, seq)`,

		// 4) Permanent rejection audit trail
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.rejections (
			id              BIGSERIAL PRIMARY KEY,
			organization_id TEXT        NOT NULL,
			register_id     TEXT        NOT NULL,
			entry_id        BIGINT      NOT NULL,
			table_name      TEXT        NOT NULL,
			record_id       TEXT        NOT NULL,
			reason          TEXT        NOT NULL,
			message         TEXT        NOT NULL DEFAULT '',
			rejected_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS rej_org_idx ON sync.rejections(organization_id, rejected_at)`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration %d failed: %w", i, err)
		}
	}
	return nil
}
