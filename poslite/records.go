// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncMetadata is the per-record sync bookkeeping embedded in every
// tracked record. SyncVersion starts at 1 on creation and increments
// on every local mutation; it never decreases. IntegrityHash is
// recomputed whenever a synchronized field changes, never stored stale.
type SyncMetadata struct {
	SyncVersion   int64
	LastSync      *time.Time
	IntegrityHash string
}

// Record is a tracked business entity in the generic record store.
type Record struct {
	OrganizationID string
	Table          string
	ID             string
	Fields         map[string]any
	CreatedBy      string
	UpdatedBy      string
	UpdatedAt      time.Time
	Meta           SyncMetadata
}

// GetRecord loads one tracked record.
func (c *Client) GetRecord(ctx context.Context, organizationID, table, recordID string) (*Record, error) {
	return getRecord(ctx, c.DB, organizationID, table, recordID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getRecord(ctx context.Context, q queryer, organizationID, table, recordID string) (*Record, error) {
	rec := &Record{
		OrganizationID: organizationID,
		Table:          table,
		ID:             recordID,
	}
	var (
		fieldsJSON string
		createdBy  sql.NullString
		updatedBy  sql.NullString
		updatedAt  string
		lastSync   sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT fields, created_by, updated_by, updated_at, sync_version, last_sync, integrity_hash
		FROM pos_records
		WHERE organization_id = ? AND table_name = ? AND record_id = ?
	`, organizationID, table, recordID).Scan(
		&fieldsJSON, &createdBy, &updatedBy, &updatedAt,
		&rec.Meta.SyncVersion, &lastSync, &rec.Meta.IntegrityHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s/%s: %w", table, recordID, err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("corrupt fields for record %s/%s: %w", table, recordID, err)
	}
	rec.CreatedBy = createdBy.String
	rec.UpdatedBy = updatedBy.String
	rec.UpdatedAt = parseTime(updatedAt)
	if lastSync.Valid {
		t := parseTime(lastSync.String)
		rec.Meta.LastSync = &t
	}
	return rec, nil
}

// upsertRecord writes a record row with fresh metadata.
func upsertRecord(ctx context.Context, q queryer, rec *Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal record fields: %w", err)
	}
	lastSync := any(nil)
	if rec.Meta.LastSync != nil {
		lastSync = rec.Meta.LastSync.UTC().Format(timeLayout)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO pos_records
			(organization_id, table_name, record_id, fields, created_by, updated_by, updated_at, sync_version, last_sync, integrity_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, table_name, record_id) DO UPDATE SET
			fields = excluded.fields,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at,
			sync_version = excluded.sync_version,
			last_sync = excluded.last_sync,
			integrity_hash = excluded.integrity_hash
	`, rec.OrganizationID, rec.Table, rec.ID, string(fieldsJSON),
		nullIfEmpty(rec.CreatedBy), nullIfEmpty(rec.UpdatedBy),
		rec.UpdatedAt.UTC().Format(timeLayout),
		rec.Meta.SyncVersion, lastSync, rec.Meta.IntegrityHash)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

func deleteRecordRow(ctx context.Context, q queryer, organizationID, table, recordID string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM pos_records
		WHERE organization_id = ? AND table_name = ? AND record_id = ?
	`, organizationID, table, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", table, recordID, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
