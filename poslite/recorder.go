// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tillware/go-possync/possync"
)

// The change recorder intercepts local mutations to tracked records.
// The mutation and its queue entry always commit or roll back together:
// no mutation may succeed while its queue entry is lost, and no orphan
// queue entry may exist for a rolled-back mutation.

// RecordInsert creates a tracked record and queues the change in one
// transaction. Fields must not contain sync metadata keys.
func (c *Client) RecordInsert(ctx context.Context, organizationID, table, recordID string, fields map[string]any, actor string) (*QueueEntry, error) {
	return c.recordInOwnTx(ctx, organizationID, table, recordID, possync.OpInsert, fields, actor)
}

// RecordUpdate mutates a tracked record and queues the change in one
// transaction. The pre-image is read from the store so the queue entry
// can carry it for additive conflict merging.
func (c *Client) RecordUpdate(ctx context.Context, organizationID, table, recordID string, fields map[string]any, actor string) (*QueueEntry, error) {
	return c.recordInOwnTx(ctx, organizationID, table, recordID, possync.OpUpdate, fields, actor)
}

// RecordDelete removes a tracked record and queues the change in one
// transaction.
func (c *Client) RecordDelete(ctx context.Context, organizationID, table, recordID string, actor string) (*QueueEntry, error) {
	return c.recordInOwnTx(ctx, organizationID, table, recordID, possync.OpDelete, nil, actor)
}

func (c *Client) recordInOwnTx(ctx context.Context, organizationID, table, recordID, op string, fields map[string]any, actor string) (*QueueEntry, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := c.RecordChange(ctx, tx, organizationID, table, recordID, op, fields, actor)
	if err != nil {
		_ = tx.Rollback()
		// The halt marker must survive the rolled-back mutation.
		if errors.Is(err, ErrLocalIntegrity) {
			if haltErr := c.HaltRecord(ctx, organizationID, table, recordID, err.Error()); haltErr != nil {
				c.logger.Error("Failed to persist integrity halt",
					"organization_id", organizationID, "table", table, "record_id", recordID, "error", haltErr)
			}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit recorded change: %w", err)
	}
	return entry, nil
}

// RecordChange records one mutation inside the caller's transaction.
// It verifies the stored integrity hash, applies the mutation to the
// record store, increments sync_version, recomputes the hash and
// appends the queue entry. Callers running their own transaction must
// call HaltRecord after rollback when ErrLocalIntegrity is returned.
func (c *Client) RecordChange(ctx context.Context, tx *sql.Tx, organizationID, table, recordID, op string, fields map[string]any, actor string) (*QueueEntry, error) {
	halted, err := c.isHalted(ctx, tx, organizationID, table, recordID)
	if err != nil {
		return nil, err
	}
	if halted {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordHalted, table, recordID)
	}

	existing, err := getRecord(ctx, tx, organizationID, table, recordID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	if existing != nil {
		// Corruption check: the stored hash must match the stored
		// fields before we build a pre-image on top of them.
		if got := possync.IntegrityHash(existing.Fields); got != existing.Meta.IntegrityHash {
			return nil, fmt.Errorf("%w: %s/%s stored hash %s, computed %s",
				ErrLocalIntegrity, table, recordID, existing.Meta.IntegrityHash, got)
		}
	}

	payload := possync.ChangePayload{}
	now := time.Now().UTC()
	noop := false

	switch op {
	case possync.OpInsert:
		if existing != nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrRecordExists, table, recordID)
		}
		hash := possync.IntegrityHash(fields)
		rec := &Record{
			OrganizationID: organizationID,
			Table:          table,
			ID:             recordID,
			Fields:         fields,
			CreatedBy:      actor,
			UpdatedBy:      actor,
			UpdatedAt:      now,
			Meta:           SyncMetadata{SyncVersion: 1, IntegrityHash: hash},
		}
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return nil, err
		}
		payload.BaseVersion = 0
		payload.After = possync.SyncedFields(fields)

	case possync.OpUpdate:
		if existing == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
		}
		hash := possync.IntegrityHash(fields)
		noop = hash == existing.Meta.IntegrityHash
		rec := &Record{
			OrganizationID: organizationID,
			Table:          table,
			ID:             recordID,
			Fields:         fields,
			CreatedBy:      existing.CreatedBy,
			UpdatedBy:      actor,
			UpdatedAt:      now,
			Meta: SyncMetadata{
				SyncVersion:   existing.Meta.SyncVersion + 1,
				LastSync:      existing.Meta.LastSync,
				IntegrityHash: hash,
			},
		}
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return nil, err
		}
		payload.BaseVersion = existing.Meta.SyncVersion
		payload.Before = possync.SyncedFields(existing.Fields)
		payload.After = possync.SyncedFields(fields)

	case possync.OpDelete:
		if existing == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, table, recordID)
		}
		if err := deleteRecordRow(ctx, tx, organizationID, table, recordID); err != nil {
			return nil, err
		}
		payload.BaseVersion = existing.Meta.SyncVersion
		payload.Before = possync.SyncedFields(existing.Fields)

	default:
		return nil, fmt.Errorf("invalid operation %q", op)
	}

	entry := &QueueEntry{
		OrganizationID: organizationID,
		AffectedTable:  table,
		RecordID:       recordID,
		Operation:      op,
		Payload:        payload,
		Priority:       c.priorityFor(table, op, noop),
		CreatedAt:      now,
	}
	if err := enqueueInTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	c.logger.Debug("Recorded change",
		"organization_id", organizationID, "table", table, "record_id", recordID,
		"op", op, "entry_id", entry.ID, "priority", entry.Priority, "noop", noop)
	return entry, nil
}

// priorityFor assigns a queue priority. A per-table override beats the
// per-operation default; hash-neutral updates always drain last.
func (c *Client) priorityFor(table, op string, noop bool) int {
	if override, ok := c.config.PriorityOverrides[table]; ok {
		return override
	}
	if noop {
		return priorityNoop
	}
	switch op {
	case possync.OpDelete:
		return PriorityDelete
	case possync.OpInsert:
		return PriorityInsert
	default:
		return PriorityUpdate
	}
}

// HaltRecord marks a record so the dispatcher skips its queue entries
// until ClearHalted is called.
func (c *Client) HaltRecord(ctx context.Context, organizationID, table, recordID, reason string) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_halted (organization_id, table_name, record_id, reason, halted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, table_name, record_id) DO UPDATE SET
			reason = excluded.reason,
			halted_at = excluded.halted_at
	`, organizationID, table, recordID, reason, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to halt record %s/%s: %w", table, recordID, err)
	}
	c.logger.Warn("Record sync halted", "organization_id", organizationID,
		"table", table, "record_id", recordID, "reason", reason)
	return nil
}

// ClearHalted lifts an integrity halt after operator intervention.
func (c *Client) ClearHalted(ctx context.Context, organizationID, table, recordID string) error {
	_, err := c.DB.ExecContext(ctx, `
		DELETE FROM _sync_halted
		WHERE organization_id = ? AND table_name = ? AND record_id = ?
	`, organizationID, table, recordID)
	if err != nil {
		return fmt.Errorf("failed to clear halt for %s/%s: %w", table, recordID, err)
	}
	return nil
}

func (c *Client) isHalted(ctx context.Context, tx *sql.Tx, organizationID, table, recordID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM _sync_halted
		WHERE organization_id = ? AND table_name = ? AND record_id = ?
	`, organizationID, table, recordID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check halt state: %w", err)
	}
	return true, nil
}

// RecomputeHash recomputes and stores the hash for a record an
// operator repaired by hand, so sync can be resumed.
func (c *Client) RecomputeHash(ctx context.Context, organizationID, table, recordID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rec, err := c.GetRecord(ctx, organizationID, table, recordID)
	if err != nil {
		return err
	}
	hash := possync.IntegrityHash(rec.Fields)
	_, err = c.DB.ExecContext(ctx, `
		UPDATE pos_records SET integrity_hash = ?
		WHERE organization_id = ? AND table_name = ? AND record_id = ?
	`, hash, organizationID, table, recordID)
	if err != nil {
		return fmt.Errorf("failed to store recomputed hash: %w", err)
	}
	return nil
}
