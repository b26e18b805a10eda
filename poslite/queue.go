// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tillware/go-possync/possync"
)

// QueueEntry is one pending outbound change. Entries are append-only:
// a synced entry is marked processed, never deleted, so the queue
// doubles as a local audit trail.
type QueueEntry struct {
	ID             int64
	OrganizationID string
	AffectedTable  string
	RecordID       string
	Operation      string
	Payload        possync.ChangePayload
	Priority       int
	Processed      bool
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

func enqueueInTx(ctx context.Context, tx *sql.Tx, entry *QueueEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal queue payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_queue
			(organization_id, affected_table, record_id, operation, payload, priority, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, entry.OrganizationID, entry.AffectedTable, entry.RecordID, entry.Operation,
		string(payload), entry.Priority, entry.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue entry id: %w", err)
	}
	return nil
}

// PendingBatch returns up to limit unprocessed entries for the
// organization, ordered by priority, then enqueue time, then id.
// Entries for halted records are excluded.
func (c *Client) PendingBatch(ctx context.Context, organizationID string, limit int) ([]QueueEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT q.id, q.organization_id, q.affected_table, q.record_id, q.operation,
		       q.payload, q.priority, q.processed, q.created_at, q.processed_at
		FROM _sync_queue q
		LEFT JOIN _sync_halted h
			ON h.organization_id = q.organization_id
			AND h.table_name = q.affected_table
			AND h.record_id = q.record_id
		WHERE q.organization_id = ? AND q.processed = 0 AND h.record_id IS NULL
		ORDER BY q.priority ASC, q.created_at ASC, q.id ASC
		LIMIT ?
	`, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// MarkProcessed flips the processed flag on the given entries in one
// transaction. The rows themselves are retained for audit.
func (c *Client) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		UPDATE _sync_queue
		SET processed = 1, processed_at = ?
		WHERE id IN (%s)
	`, placeholders(len(ids)))
	args := make([]any, 0, len(ids)+1)
	args = append(args, nowUTC())
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark entries processed: %w", err)
	}
	return tx.Commit()
}

// PendingCount reports how many entries are waiting to sync.
func (c *Client) PendingCount(ctx context.Context, organizationID string) (int, error) {
	var n int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_queue WHERE organization_id = ? AND processed = 0
	`, organizationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// QueueHistory returns the most recent entries for a record, processed
// or not, newest first. Useful for support tooling.
func (c *Client) QueueHistory(ctx context.Context, organizationID, table, recordID string, limit int) ([]QueueEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, organization_id, affected_table, record_id, operation,
		       payload, priority, processed, created_at, processed_at
		FROM _sync_queue
		WHERE organization_id = ? AND affected_table = ? AND record_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, organizationID, table, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue history: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// recordRejection stores a terminal authority rejection for audit.
func (c *Client) recordRejection(ctx context.Context, entry *QueueEntry, reason, message string) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_rejections
			(organization_id, entry_id, affected_table, record_id, reason, message, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.OrganizationID, entry.ID, entry.AffectedTable, entry.RecordID,
		reason, message, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

// Rejection is an audit row for an entry the authority refused
// permanently.
type Rejection struct {
	ID             int64
	OrganizationID string
	EntryID        int64
	AffectedTable  string
	RecordID       string
	Reason         string
	Message        string
	RejectedAt     time.Time
}

// Rejections lists stored rejection audit rows, newest first.
func (c *Client) Rejections(ctx context.Context, organizationID string, limit int) ([]Rejection, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, organization_id, entry_id, affected_table, record_id, reason, message, rejected_at
		FROM _sync_rejections
		WHERE organization_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, organizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rejections: %w", err)
	}
	defer rows.Close()

	var out []Rejection
	for rows.Next() {
		var r Rejection
		var rejectedAt string
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.EntryID, &r.AffectedTable,
			&r.RecordID, &r.Reason, &r.Message, &rejectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rejection: %w", err)
		}
		r.RejectedAt = parseTime(rejectedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanQueueEntry(rows *sql.Rows) (*QueueEntry, error) {
	var e QueueEntry
	var payload, createdAt string
	var processedAt sql.NullString
	var processed int
	if err := rows.Scan(&e.ID, &e.OrganizationID, &e.AffectedTable, &e.RecordID,
		&e.Operation, &payload, &e.Priority, &processed, &createdAt, &processedAt); err != nil {
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode queue payload for entry %d: %w", e.ID, err)
	}
	e.Processed = processed != 0
	e.CreatedAt = parseTime(createdAt)
	if processedAt.Valid {
		t := parseTime(processedAt.String)
		e.ProcessedAt = &t
	}
	return &e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
