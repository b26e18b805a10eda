// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"time"
)

// Database entity models for the authority's PostgreSQL tables.

// RowMetaEntity represents a row in sync.row_meta: the authoritative
// version counter and integrity hash per tracked record.
type RowMetaEntity struct {
	OrganizationID string    `db:"organization_id"`
	TableName      string    `db:"table_name"`
	RecordID       string    `db:"record_id"`
	SyncVersion    int64     `db:"sync_version"`
	IntegrityHash  string    `db:"integrity_hash"`
	Deleted        bool      `db:"deleted"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// RowStateEntity represents a row in sync.row_state: the canonical
// after-image used to build conflict snapshots.
type RowStateEntity struct {
	OrganizationID string          `db:"organization_id"`
	TableName      string          `db:"table_name"`
	RecordID       string          `db:"record_id"`
	Fields         json.RawMessage `db:"fields"`
}

// ChangeLogEntity represents a row in sync.change_log: the append-only
// reconciliation log. (organization_id, register_id, entry_id) is the
// idempotency key for duplicate delivery.
type ChangeLogEntity struct {
	Seq            int64           `db:"seq"`
	OrganizationID string          `db:"organization_id"`
	TableName      string          `db:"table_name"`
	RecordID       string          `db:"record_id"`
	Op             string          `db:"op"`
	Payload        json.RawMessage `db:"payload"`
	RegisterID     string          `db:"register_id"`
	EntryID        int64           `db:"entry_id"`
	SyncVersion    int64           `db:"sync_version"`
	Timestamp      time.Time       `db:"ts"`
}

// RejectionEntity represents a row in sync.rejections: the audit trail
// of permanently rejected entries.
type RejectionEntity struct {
	ID             int64     `db:"id"`
	OrganizationID string    `db:"organization_id"`
	RegisterID     string    `db:"register_id"`
	EntryID        int64     `db:"entry_id"`
	TableName      string    `db:"table_name"`
	RecordID       string    `db:"record_id"`
	Reason         string    `db:"reason"`
	Message        string    `db:"message"`
	RejectedAt     time.Time `db:"rejected_at"`
}
