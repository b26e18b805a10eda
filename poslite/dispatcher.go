// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tillware/go-possync/possync"
)

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Sent       int
	Accepted   int
	Conflicts  int
	Rejected   int
	Unanswered int  // sent but not acknowledged before the cut-off
	BatchSize  int  // adaptive batch size after this cycle
	Reduced    bool // authority bounced the batch as too large
}

// RunCycle drains one batch of pending entries for the organization
// and reconciles the authority's verdicts. Batches are strictly
// per-organization, so per-tenant causal ordering is preserved;
// different organizations may run cycles concurrently.
func (c *Client) RunCycle(ctx context.Context, organizationID string) (*CycleResult, error) {
	st := c.state(organizationID)
	if !st.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer st.mu.Unlock()

	if wait := time.Until(st.notBefore); wait > 0 {
		return nil, fmt.Errorf("%w: next attempt in %s", ErrBackoffActive, wait.Round(time.Millisecond))
	}

	batch, err := c.PendingBatch(ctx, organizationID, st.batchSize)
	if err != nil {
		return nil, err
	}
	result := &CycleResult{BatchSize: st.batchSize}
	if len(batch) == 0 {
		return result, nil
	}
	result.Sent = len(batch)

	req := buildPushRequest(batch)
	if _, watermark, err := c.Cursor(ctx, organizationID); err == nil {
		req.Watermark = watermark
	}
	resp, err := c.Remote.Push(ctx, organizationID, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.registerFailure(st)
		return nil, fmt.Errorf("%w: %v", ErrTransientTransport, err)
	}

	if !resp.Accepted && isBatchTooLarge(resp) {
		// Nothing was applied; shrink and retry next cycle. The
		// entries are not rejected, just the envelope.
		st.batchSize = st.batchSize / 2
		if st.batchSize < 1 {
			st.batchSize = 1
		}
		result.BatchSize = st.batchSize
		result.Reduced = true
		c.logger.Warn("Authority bounced batch as too large, shrinking",
			"organization_id", organizationID, "batch_size", st.batchSize)
		return result, nil
	}

	c.resetBackoff(st)

	statusByEntry := make(map[int64]possync.EntryStatus, len(resp.Statuses))
	for _, status := range resp.Statuses {
		statusByEntry[status.EntryID] = status
	}

	// The response may cover only a prefix of the batch (the
	// connection dropped mid-stream). Only definitively answered
	// entries are settled; the rest ship again next cycle.
	var settled []int64
	var lastEntryID int64
	for _, entry := range batch {
		status, ok := statusByEntry[entry.ID]
		if !ok {
			result.Unanswered++
			continue
		}
		entry := entry
		switch status.Status {
		case possync.StAccepted:
			if err := c.reconcileAccepted(ctx, &entry, status); err != nil {
				return result, err
			}
			result.Accepted++
		case possync.StConflict:
			if err := c.reconcileConflict(ctx, &entry, status); err != nil {
				return result, err
			}
			result.Conflicts++
		case possync.StRejected:
			if err := c.recordRejection(ctx, &entry, status.Reason, status.Message); err != nil {
				return result, err
			}
			c.logger.Warn("Entry rejected by authority",
				"organization_id", organizationID, "table", entry.AffectedTable,
				"record_id", entry.RecordID, "reason", status.Reason)
			result.Rejected++
		default:
			return result, fmt.Errorf("unknown entry status %q for entry %d", status.Status, entry.ID)
		}
		settled = append(settled, entry.ID)
		if entry.ID > lastEntryID {
			lastEntryID = entry.ID
		}
	}

	if err := c.MarkProcessed(ctx, settled); err != nil {
		return result, err
	}
	if len(settled) > 0 {
		if err := c.advanceCursor(ctx, organizationID, lastEntryID, resp.Watermark); err != nil {
			return result, err
		}
	}

	// Grow the adaptive batch back toward the configured size after a
	// fully answered cycle.
	if result.Unanswered == 0 && st.batchSize < c.config.BatchSize {
		st.batchSize *= 2
		if st.batchSize > c.config.BatchSize {
			st.batchSize = c.config.BatchSize
		}
		result.BatchSize = st.batchSize
	}

	c.logger.Info("Dispatch cycle complete",
		"organization_id", organizationID, "sent", result.Sent,
		"accepted", result.Accepted, "conflicts", result.Conflicts,
		"rejected", result.Rejected, "unanswered", result.Unanswered)
	return result, nil
}

func buildPushRequest(batch []QueueEntry) *possync.PushRequest {
	req := &possync.PushRequest{Entries: make([]possync.EntryUpload, 0, len(batch))}
	for _, entry := range batch {
		payload, _ := json.Marshal(entry.Payload)
		expectedHash := ""
		if entry.Payload.Before != nil {
			expectedHash = possync.IntegrityHash(entry.Payload.Before)
		}
		req.Entries = append(req.Entries, possync.EntryUpload{
			EntryID:         entry.ID,
			Table:           entry.AffectedTable,
			RecordID:        entry.RecordID,
			Op:              entry.Operation,
			Payload:         payload,
			ExpectedVersion: entry.Payload.BaseVersion,
			ExpectedHash:    expectedHash,
		})
	}
	return req
}

func isBatchTooLarge(resp *possync.PushResponse) bool {
	for _, status := range resp.Statuses {
		if status.Reason == possync.ReasonBatchTooLarge {
			return true
		}
	}
	return false
}

// reconcileAccepted adopts the authority's canonical version and hash
// for the local record. Deletes have nothing left to reconcile.
func (c *Client) reconcileAccepted(ctx context.Context, entry *QueueEntry, status possync.EntryStatus) error {
	if entry.Operation == possync.OpDelete {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// The canonical metadata only applies while the record is still at
	// the version this entry wrote. If a later local mutation already
	// advanced it, adopting here would rewind sync_version and stamp a
	// hash that no longer matches the fields; the newer queued entry
	// carries the newer state and will reconcile it.
	res, err := c.DB.ExecContext(ctx, `
		UPDATE pos_records
		SET sync_version = ?, integrity_hash = ?, last_sync = ?
		WHERE organization_id = ? AND table_name = ? AND record_id = ?
		  AND sync_version = ?
	`, status.CanonicalVersion, status.CanonicalHash, nowUTC(),
		entry.OrganizationID, entry.AffectedTable, entry.RecordID,
		entry.Payload.BaseVersion+1)
	if err != nil {
		return fmt.Errorf("failed to reconcile accepted entry %d: %w", entry.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the record moved past this entry locally or it was
		// deleted after the entry was queued. Stamp last_sync only.
		if _, err := c.DB.ExecContext(ctx, `
			UPDATE pos_records SET last_sync = ?
			WHERE organization_id = ? AND table_name = ? AND record_id = ?
		`, nowUTC(), entry.OrganizationID, entry.AffectedTable, entry.RecordID); err != nil {
			return fmt.Errorf("failed to reconcile accepted entry %d: %w", entry.ID, err)
		}
		c.logger.Debug("Accepted entry superseded by newer local state",
			"table", entry.AffectedTable, "record_id", entry.RecordID,
			"canonical_version", status.CanonicalVersion)
	}
	return nil
}

// reconcileConflict hands the divergence to the resolver and applies
// its decision. The conflicted entry itself is terminal either way; a
// local or merged winner ships as a fresh entry based on the remote
// canonical state.
func (c *Client) reconcileConflict(ctx context.Context, entry *QueueEntry, status possync.EntryStatus) error {
	var remote possync.RemoteSnapshot
	if err := json.Unmarshal(status.Remote, &remote); err != nil {
		return fmt.Errorf("failed to decode remote snapshot for entry %d: %w", entry.ID, err)
	}

	decision, err := c.Resolver.Resolve(ctx, Conflict{
		OrganizationID: entry.OrganizationID,
		Table:          entry.AffectedTable,
		RecordID:       entry.RecordID,
		Operation:      entry.Operation,
		Base:           entry.Payload.Before,
		Local:          entry.Payload.After,
		LocalUpdatedAt: entry.CreatedAt,
		Remote:         remote,
	})
	if err != nil {
		return fmt.Errorf("conflict resolution failed for entry %d: %w", entry.ID, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	switch decision.Winner {
	case WinnerRemote:
		if remote.Deleted {
			if err := deleteRecordRow(ctx, tx, entry.OrganizationID, entry.AffectedTable, entry.RecordID); err != nil {
				return err
			}
		} else {
			rec := &Record{
				OrganizationID: entry.OrganizationID,
				Table:          entry.AffectedTable,
				ID:             entry.RecordID,
				Fields:         remote.Fields,
				UpdatedAt:      now,
				Meta: SyncMetadata{
					SyncVersion:   remote.SyncVersion,
					LastSync:      &now,
					IntegrityHash: remote.IntegrityHash,
				},
			}
			if err := upsertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		c.logger.Info("Conflict resolved, remote wins",
			"table", entry.AffectedTable, "record_id", entry.RecordID,
			"remote_version", remote.SyncVersion)

	case WinnerLocal, WinnerMerged:
		if entry.Operation == possync.OpDelete && decision.Winner == WinnerLocal {
			// The local delete is newer; re-ship it against the
			// remote canonical version.
			if err := deleteRecordRow(ctx, tx, entry.OrganizationID, entry.AffectedTable, entry.RecordID); err != nil {
				return err
			}
			followup := &QueueEntry{
				OrganizationID: entry.OrganizationID,
				AffectedTable:  entry.AffectedTable,
				RecordID:       entry.RecordID,
				Operation:      possync.OpDelete,
				Payload: possync.ChangePayload{
					BaseVersion: remote.SyncVersion,
					Before:      remote.Fields,
				},
				Priority:  c.priorityFor(entry.AffectedTable, possync.OpDelete, false),
				CreatedAt: now,
			}
			if err := enqueueInTx(ctx, tx, followup); err != nil {
				return err
			}
			c.logger.Info("Conflict resolved, local delete re-queued",
				"table", entry.AffectedTable, "record_id", entry.RecordID,
				"base_version", remote.SyncVersion)
			return tx.Commit()
		}

		fields := decision.Fields
		if fields == nil {
			fields = entry.Payload.After
		}
		hash := possync.IntegrityHash(fields)
		rec := &Record{
			OrganizationID: entry.OrganizationID,
			Table:          entry.AffectedTable,
			ID:             entry.RecordID,
			Fields:         fields,
			UpdatedAt:      now,
			Meta: SyncMetadata{
				SyncVersion:   remote.SyncVersion + 1,
				LastSync:      &now,
				IntegrityHash: hash,
			},
		}
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return err
		}
		// Ship the winning state as a fresh change built on the remote
		// canonical version, so the authority's optimistic check passes.
		followup := &QueueEntry{
			OrganizationID: entry.OrganizationID,
			AffectedTable:  entry.AffectedTable,
			RecordID:       entry.RecordID,
			Operation:      possync.OpUpdate,
			Payload: possync.ChangePayload{
				BaseVersion: remote.SyncVersion,
				Before:      remote.Fields,
				After:       possync.SyncedFields(fields),
			},
			Priority:  c.priorityFor(entry.AffectedTable, possync.OpUpdate, false),
			CreatedAt: now,
		}
		if err := enqueueInTx(ctx, tx, followup); err != nil {
			return err
		}
		c.logger.Info("Conflict resolved, local state re-queued",
			"table", entry.AffectedTable, "record_id", entry.RecordID,
			"winner", decision.Winner, "base_version", remote.SyncVersion)

	default:
		return fmt.Errorf("unknown conflict winner %q for entry %d", decision.Winner, entry.ID)
	}

	return tx.Commit()
}

// advanceCursor moves the per-organization cursor. It only ever moves
// after the authority acknowledged the batch.
func (c *Client) advanceCursor(ctx context.Context, organizationID string, lastEntryID, watermark int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_cursor (organization_id, last_entry_id, remote_watermark, last_cycle_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			last_entry_id    = MAX(last_entry_id, excluded.last_entry_id),
			remote_watermark = MAX(remote_watermark, excluded.remote_watermark),
			last_cycle_at    = excluded.last_cycle_at
	`, organizationID, lastEntryID, watermark, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}
	return nil
}

// Cursor reports the organization's dispatch cursor.
func (c *Client) Cursor(ctx context.Context, organizationID string) (lastEntryID, watermark int64, err error) {
	err = c.DB.QueryRowContext(ctx, `
		SELECT last_entry_id, remote_watermark FROM _sync_cursor WHERE organization_id = ?
	`, organizationID).Scan(&lastEntryID, &watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read sync cursor: %w", err)
	}
	return lastEntryID, watermark, nil
}

// registerFailure widens the retry window exponentially with jitter so
// many tenants recovering from the same outage do not stampede.
func (c *Client) registerFailure(st *cycleState) {
	st.failures++
	delay := c.config.BackoffMin << (st.failures - 1)
	if delay > c.config.BackoffMax || delay <= 0 {
		delay = c.config.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	st.notBefore = time.Now().Add(delay/2 + jitter)
}

func (c *Client) resetBackoff(st *cycleState) {
	st.failures = 0
	st.notBefore = time.Time{}
}
