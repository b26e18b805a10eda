// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

// Operation constants for change entries
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Status constants for per-entry push results
const (
	StAccepted = "accepted"
	StConflict = "conflict"
	StRejected = "rejected"
)

// Rejection reason constants
const (
	ReasonBadPayload        = "bad_payload"
	ReasonUnregisteredTable = "unregistered_table"
	ReasonPayloadTooLarge   = "payload_too_large"
	ReasonBatchTooLarge     = "batch_too_large"
	ReasonInternalError     = "internal_error"
)
