// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type entryDecision int

const (
	decisionAccept entryDecision = iota
	decisionConflict
)

// decideEntry compares an entry's expected pre-state against the
// authoritative row metadata. Pure so the version/hash gate is testable
// without a database.
//
// The gate: an entry is accepted only when the authority's current
// version AND integrity hash both equal the entry's expected pre-state.
// Equal versions with diverging hashes mean both sides mutated the
// record since their last common reconciliation, which is the conflict
// this whole engine exists to detect.
func decideEntry(meta *RowMetaEntity, entry *EntryUpload) entryDecision {
	if meta == nil {
		// Authority has never seen this record. INSERT is the normal
		// case; UPDATE/DELETE from a register whose history predates
		// the authority's are materialized rather than stranded.
		return decisionAccept
	}
	if meta.SyncVersion == entry.ExpectedVersion && meta.IntegrityHash == entry.ExpectedHash {
		return decisionAccept
	}
	return decisionConflict
}

// ProcessPush processes a batch of queued change entries for one
// organization. All accepted entries commit atomically; per-entry
// conflicts and rejections are definitive outcomes, not errors.
func (s *SyncService) ProcessPush(ctx context.Context, organizationID, registerID string, req *PushRequest) (*PushResponse, error) {
	if s.isClosed() {
		return nil, ErrServiceClosed
	}
	if organizationID == "" || registerID == "" {
		return nil, fmt.Errorf("organization and register identity are required")
	}
	if s.config.MaxBatchSize > 0 && len(req.Entries) > s.config.MaxBatchSize {
		// Oversized batches bounce whole so the register can shrink and
		// resend; entries must not be individually rejected (rejection
		// is terminal on the register side).
		return &PushResponse{
			Accepted: false,
			Statuses: batchTooLargeStatuses(req.Entries, s.config.MaxBatchSize),
		}, nil
	}

	var response *PushResponse
	err := s.withTxRetry(ctx, func(tx pgx.Tx) error {
		var err error
		response, err = s.processPushInTx(ctx, tx, organizationID, registerID, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.observePush(response)
	s.observeReportedWatermark(organizationID, registerID, req.Watermark, response.Watermark)
	return response, nil
}

// observeReportedWatermark flags registers whose reported watermark is
// ahead of anything the authority has issued for the organization. A
// register can only get there by being restored from a database that
// synced against a different authority, so operators want to know even
// though the push itself succeeded.
func (s *SyncService) observeReportedWatermark(organizationID, registerID string, reported, authority int64) {
	if reported <= authority {
		return
	}
	s.metrics.watermarkAhead.Add(1)
	s.logger.Warn("Register reported watermark ahead of authority",
		"organization_id", organizationID, "register_id", registerID,
		"reported", reported, "authority", authority)
}

func (s *SyncService) processPushInTx(ctx context.Context, tx pgx.Tx, organizationID, registerID string, req *PushRequest) (*PushResponse, error) {
	statuses := make([]EntryStatus, 0, len(req.Entries))

	for i := range req.Entries {
		entry := &req.Entries[i]

		if err := s.validateEntry(entry); err != nil {
			reason := rejectionReason(err)
			s.logger.Warn("Entry rejected",
				"organization_id", organizationID,
				"register_id", registerID,
				"entry_id", entry.EntryID,
				"table", entry.Table,
				"record_id", entry.RecordID,
				"reason", reason,
				"error", err,
			)
			if auditErr := s.recordRejection(ctx, tx, organizationID, registerID, entry, reason, err); auditErr != nil {
				return nil, auditErr
			}
			statuses = append(statuses, statusRejected(entry.EntryID, reason, err))
			continue
		}

		status, err := s.applyEntry(ctx, tx, organizationID, registerID, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to apply entry %d: %w", entry.EntryID, err)
		}
		statuses = append(statuses, status)
	}

	var watermark int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM sync.change_log WHERE organization_id = $1
	`, organizationID).Scan(&watermark); err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}

	return &PushResponse{Accepted: true, Watermark: watermark, Statuses: statuses}, nil
}

// applyEntry decides and applies a single validated entry.
func (s *SyncService) applyEntry(ctx context.Context, tx pgx.Tx, organizationID, registerID string, entry *EntryUpload) (EntryStatus, error) {
	s.logger.Debug("Applying entry",
		"organization_id", organizationID, "table", entry.Table, "record_id", entry.RecordID,
		"op", entry.Op, "entry_id", entry.EntryID, "expected_version", entry.ExpectedVersion)

	// Idempotency gate: a redelivered entry reports the outcome of its
	// first delivery and must not advance the version again.
	if prior, ok, err := s.priorApply(ctx, tx, organizationID, registerID, entry.EntryID); err != nil {
		return EntryStatus{}, err
	} else if ok {
		return prior, nil
	}

	meta, err := s.rowMetaForUpdate(ctx, tx, organizationID, entry.Table, entry.RecordID)
	if err != nil {
		return EntryStatus{}, err
	}

	if decideEntry(meta, entry) == decisionConflict {
		snapshot, err := s.remoteSnapshot(ctx, tx, organizationID, entry.Table, entry.RecordID, meta)
		if err != nil {
			return EntryStatus{}, err
		}
		return statusConflict(entry.EntryID, snapshot), nil
	}

	payload, err := entry.DecodePayload()
	if err != nil {
		return statusRejected(entry.EntryID, ReasonBadPayload, err), nil
	}

	newVersion := entry.ExpectedVersion + 1
	if meta != nil {
		newVersion = meta.SyncVersion + 1
	}

	canonicalHash := ""
	deleted := entry.Op == OpDelete
	if !deleted {
		canonicalHash = IntegrityHash(payload.After)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync.row_meta (organization_id, table_name, record_id, sync_version, integrity_hash, deleted, updated_at)
		VALUES (@org, @table, @record::uuid, @version, @hash, @deleted, now())
		ON CONFLICT (organization_id, table_name, record_id)
		DO UPDATE SET sync_version = EXCLUDED.sync_version,
		              integrity_hash = EXCLUDED.integrity_hash,
		              deleted = EXCLUDED.deleted,
		              updated_at = now()
	`, pgx.NamedArgs{
		"org": organizationID, "table": entry.Table, "record": entry.RecordID,
		"version": newVersion, "hash": canonicalHash, "deleted": deleted,
	}); err != nil {
		return EntryStatus{}, fmt.Errorf("failed to upsert row meta: %w", err)
	}

	if deleted {
		if _, err := tx.Exec(ctx, `
			DELETE FROM sync.row_state
			WHERE organization_id = $1 AND table_name = $2 AND record_id = $3::uuid
		`, organizationID, entry.Table, entry.RecordID); err != nil {
			return EntryStatus{}, fmt.Errorf("failed to delete row state: %w", err)
		}
	} else {
		fieldsJSON, err := json.Marshal(SyncedFields(payload.After))
		if err != nil {
			return EntryStatus{}, fmt.Errorf("failed to marshal canonical fields: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync.row_state (organization_id, table_name, record_id, fields)
			VALUES ($1, $2, $3::uuid, $4::json)
			ON CONFLICT (organization_id, table_name, record_id)
			DO UPDATE SET fields = EXCLUDED.fields
		`, organizationID, entry.Table, entry.RecordID, fieldsJSON); err != nil {
			return EntryStatus{}, fmt.Errorf("failed to upsert row state: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync.change_log (organization_id, table_name, record_id, op, payload, register_id, entry_id, sync_version)
		VALUES ($1, $2, $3::uuid, $4, $5::json, $6, $7, $8)
	`, organizationID, entry.Table, entry.RecordID, entry.Op, nullableJSON(entry.Payload), registerID, entry.EntryID, newVersion); err != nil {
		return EntryStatus{}, fmt.Errorf("failed to append change log: %w", err)
	}

	return statusAccepted(entry.EntryID, newVersion, canonicalHash), nil
}

// priorApply reports whether this (register, entry) was already applied
// and, if so, rebuilds the accepted status from the change log.
func (s *SyncService) priorApply(ctx context.Context, tx pgx.Tx, organizationID, registerID string, entryID int64) (EntryStatus, bool, error) {
	var (
		version int64
		table   string
		record  string
	)
	err := tx.QueryRow(ctx, `
		SELECT sync_version, table_name, record_id
		FROM sync.change_log
		WHERE organization_id = $1 AND register_id = $2 AND entry_id = $3
	`, organizationID, registerID, entryID).Scan(&version, &table, &record)
	if errors.Is(err, pgx.ErrNoRows) {
		return EntryStatus{}, false, nil
	}
	if err != nil {
		return EntryStatus{}, false, fmt.Errorf("idempotency gate check failed: %w", err)
	}

	hash := ""
	err = tx.QueryRow(ctx, `
		SELECT integrity_hash FROM sync.row_meta
		WHERE organization_id = $1 AND table_name = $2 AND record_id = $3::uuid
	`, organizationID, table, record).Scan(&hash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return EntryStatus{}, false, fmt.Errorf("failed to read row meta for idempotent reply: %w", err)
	}

	s.logger.Debug("Entry already applied, replying idempotently",
		"organization_id", organizationID, "register_id", registerID, "entry_id", entryID)
	return statusAccepted(entryID, version, hash), true, nil
}

// rowMetaForUpdate loads and locks the authoritative metadata for one record.
func (s *SyncService) rowMetaForUpdate(ctx context.Context, tx pgx.Tx, organizationID, table, recordID string) (*RowMetaEntity, error) {
	meta := &RowMetaEntity{
		OrganizationID: organizationID,
		TableName:      table,
		RecordID:       recordID,
	}
	err := tx.QueryRow(ctx, `
		SELECT sync_version, integrity_hash, deleted, updated_at
		FROM sync.row_meta
		WHERE organization_id = $1 AND table_name = $2 AND record_id = $3::uuid
		FOR UPDATE
	`, organizationID, table, recordID).Scan(&meta.SyncVersion, &meta.IntegrityHash, &meta.Deleted, &meta.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row meta: %w", err)
	}
	return meta, nil
}

// remoteSnapshot builds the conflict snapshot returned to the register.
func (s *SyncService) remoteSnapshot(ctx context.Context, tx pgx.Tx, organizationID, table, recordID string, meta *RowMetaEntity) (json.RawMessage, error) {
	snapshot := RemoteSnapshot{Fields: map[string]any{}}
	if meta != nil {
		snapshot.SyncVersion = meta.SyncVersion
		snapshot.IntegrityHash = meta.IntegrityHash
		snapshot.UpdatedAt = meta.UpdatedAt
		snapshot.Deleted = meta.Deleted
	}

	var fieldsJSON []byte
	err := tx.QueryRow(ctx, `
		SELECT fields FROM sync.row_state
		WHERE organization_id = $1 AND table_name = $2 AND record_id = $3::uuid
	`, organizationID, table, recordID).Scan(&fieldsJSON)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read row state for conflict snapshot: %w", err)
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &snapshot.Fields); err != nil {
			return nil, fmt.Errorf("corrupt row state for %s/%s: %w", table, recordID, err)
		}
	}

	raw, err := json.Marshal(&snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conflict snapshot: %w", err)
	}
	return raw, nil
}

// recordRejection appends a permanently rejected entry to the audit trail.
func (s *SyncService) recordRejection(ctx context.Context, tx pgx.Tx, organizationID, registerID string, entry *EntryUpload, reason string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.rejections (organization_id, register_id, entry_id, table_name, record_id, reason, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, organizationID, registerID, entry.EntryID, entry.Table, entry.RecordID, reason, message)
	if err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

func statusAccepted(entryID, version int64, hash string) EntryStatus {
	return EntryStatus{
		EntryID:          entryID,
		Status:           StAccepted,
		CanonicalVersion: version,
		CanonicalHash:    hash,
	}
}

func statusConflict(entryID int64, remote json.RawMessage) EntryStatus {
	return EntryStatus{EntryID: entryID, Status: StConflict, Remote: remote}
}

func statusRejected(entryID int64, reason string, cause error) EntryStatus {
	st := EntryStatus{EntryID: entryID, Status: StRejected, Reason: reason}
	if cause != nil {
		st.Message = cause.Error()
	}
	return st
}

func batchTooLargeStatuses(entries []EntryUpload, limit int) []EntryStatus {
	statuses := make([]EntryStatus, len(entries))
	for i, entry := range entries {
		statuses[i] = EntryStatus{
			EntryID: entry.EntryID,
			Status:  StRejected,
			Reason:  ReasonBatchTooLarge,
			Message: fmt.Sprintf("batch exceeds limit of %d entries", limit),
		}
	}
	return statuses
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
