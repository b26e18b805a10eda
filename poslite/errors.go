// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import "errors"

// Error taxonomy for the sync engine. Transport and conflict failures
// are recovered inside the dispatcher; rejections and integrity
// violations surface to the caller but never stop other records or
// organizations from syncing.
var (
	// ErrTransientTransport wraps network/timeout failures. The batch
	// stays unprocessed and the organization backs off before retrying.
	ErrTransientTransport = errors.New("transient transport failure")

	// ErrLocalIntegrity means a record's stored fields no longer match
	// its stored integrity hash: local corruption. Sync for that record
	// halts until an operator clears it.
	ErrLocalIntegrity = errors.New("local integrity violation")

	// ErrRecordHalted is returned when mutating a record whose sync was
	// halted by an earlier integrity violation.
	ErrRecordHalted = errors.New("record sync halted")

	// ErrRecordNotFound is returned for UPDATE/DELETE on a record the
	// local store does not have.
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordExists is returned for INSERT over an existing record.
	ErrRecordExists = errors.New("record already exists")

	// ErrCycleInProgress is returned when a dispatch cycle for the same
	// organization is already running.
	ErrCycleInProgress = errors.New("dispatch cycle already in progress")

	// ErrBackoffActive is returned when a cycle is attempted before the
	// organization's retry window has elapsed.
	ErrBackoffActive = errors.New("retry backoff active")
)
