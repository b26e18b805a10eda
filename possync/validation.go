// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation error sentinels for rejection reason mapping
var (
	ErrBadPayload        = errors.New("bad_payload")
	ErrUnregisteredTable = errors.New("unregistered_table")
	ErrPayloadTooLarge   = errors.New("payload_too_large")
)

// validateEntry validates a single uploaded entry. Validation failures
// are permanent rejections: the entry can never succeed on retry.
func (s *SyncService) validateEntry(entry *EntryUpload) error {
	entry.Table = strings.ToLower(strings.TrimSpace(entry.Table))
	entry.Op = strings.ToUpper(strings.TrimSpace(entry.Op))

	if !isValidTableName(entry.Table) {
		return fmt.Errorf("%w: invalid table name %q", ErrBadPayload, entry.Table)
	}
	if !s.IsTableRegistered(entry.Table) {
		return fmt.Errorf("%w: table not registered: %s", ErrUnregisteredTable, entry.Table)
	}

	switch entry.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: invalid operation %q", ErrBadPayload, entry.Op)
	}

	// Record ids are UUIDs; integer keys from legacy locals are not
	// sync-safe across independently provisioned databases.
	if _, err := uuid.Parse(entry.RecordID); err != nil {
		return fmt.Errorf("%w: record id is not a UUID: %s", ErrBadPayload, entry.RecordID)
	}

	if entry.ExpectedVersion < 0 {
		return fmt.Errorf("%w: negative expected version", ErrBadPayload)
	}

	if s.config.MaxPayloadBytes > 0 && len(entry.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrPayloadTooLarge, len(entry.Payload), s.config.MaxPayloadBytes)
	}

	payload, err := entry.DecodePayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch entry.Op {
	case OpInsert, OpUpdate:
		if payload.After == nil {
			return fmt.Errorf("%w: %s entry missing after image", ErrBadPayload, entry.Op)
		}
		for _, reserved := range []string{"sync_version", "integrity_hash", "last_sync"} {
			if _, ok := payload.After[reserved]; ok {
				return fmt.Errorf("%w: after image may not contain %s", ErrBadPayload, reserved)
			}
		}
	case OpDelete:
		if payload.After != nil {
			return fmt.Errorf("%w: DELETE entry carries an after image", ErrBadPayload)
		}
	}

	return nil
}

// rejectionReason maps a validation error to its wire reason constant.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnregisteredTable):
		return ReasonUnregisteredTable
	case errors.Is(err, ErrPayloadTooLarge):
		return ReasonPayloadTooLarge
	case errors.Is(err, ErrBadPayload):
		return ReasonBadPayload
	default:
		return ReasonInternalError
	}
}

func isValidTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
