// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"database/sql"
	"fmt"
)

// initializeDatabase creates the local sync schema and sets SQLite
// pragmas for concurrent register stations sharing one database.
func initializeDatabase(db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	migrations := []string{
		// Generic persisted-record store. Every tracked business entity
		// lives here as (table, record id, JSON fields) plus the sync
		// metadata every tracked table must carry. Actor attribution is
		// plain identifier columns, not references.
		`CREATE TABLE IF NOT EXISTS pos_records (
			organization_id TEXT    NOT NULL,
			table_name      TEXT    NOT NULL,
			record_id       TEXT    NOT NULL,
			fields          TEXT    NOT NULL,
			created_by      TEXT,
			updated_by      TEXT,
			updated_at      TEXT    NOT NULL,
			sync_version    INTEGER NOT NULL DEFAULT 1,
			last_sync       TEXT,
			integrity_hash  TEXT    NOT NULL,
			PRIMARY KEY (organization_id, table_name, record_id)
		)`,

		// Durable change queue. Entries are never deleted; processed
		// ones remain as the audit trail.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			organization_id TEXT    NOT NULL,
			affected_table  TEXT    NOT NULL,
			record_id       TEXT    NOT NULL,
			operation       TEXT    NOT NULL CHECK (operation IN ('INSERT','UPDATE','DELETE')),
			payload         TEXT    NOT NULL,
			priority        INTEGER NOT NULL,
			processed       INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT    NOT NULL,
			processed_at    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS sq_pending_idx
			ON _sync_queue(organization_id, processed, priority, created_at, id)`,

		// Per-organization dispatch cursor, advanced only after the
		// authority acknowledges a batch.
		`CREATE TABLE IF NOT EXISTS _sync_cursor (
			organization_id  TEXT PRIMARY KEY,
			last_entry_id    INTEGER NOT NULL DEFAULT 0,
			remote_watermark INTEGER NOT NULL DEFAULT 0,
			last_cycle_at    TEXT
		)`,

		// Gap-free document numbering, per organization and document
		// type. Mutated only through the single-statement allocator.
		`CREATE TABLE IF NOT EXISTS _sync_sequences (
			organization_id TEXT    NOT NULL,
			document_type   TEXT    NOT NULL,
			prefix          TEXT    NOT NULL DEFAULT '',
			next_number     INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (organization_id, document_type)
		)`,

		// Permanent rejections surfaced by the authority.
		`CREATE TABLE IF NOT EXISTS _sync_rejections (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			organization_id TEXT NOT NULL,
			entry_id        INTEGER NOT NULL,
			affected_table  TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			reason          TEXT NOT NULL,
			message         TEXT NOT NULL DEFAULT '',
			rejected_at     TEXT NOT NULL
		)`,

		// Records whose sync is halted after a local integrity
		// violation, until an operator clears them.
		`CREATE TABLE IF NOT EXISTS _sync_halted (
			organization_id TEXT NOT NULL,
			table_name      TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			reason          TEXT NOT NULL,
			halted_at       TEXT NOT NULL,
			PRIMARY KEY (organization_id, table_name, record_id)
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("local schema migration %d failed: %w", i, err)
		}
	}
	return nil
}
