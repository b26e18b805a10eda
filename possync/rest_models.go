// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the push exchange between a register's local
// engine and the central authority. Organization and register identity
// are derived from the JWT claims, never from the request body.

// PushRequest represents a batch of queued change entries for one organization.
type PushRequest struct {
	Watermark int64         `json:"watermark"` // Highest authority sequence this register has seen
	Entries   []EntryUpload `json:"entries"`   // Queue entries in drain order
}

// EntryUpload represents a single queued change in a push request.
type EntryUpload struct {
	EntryID         int64           `json:"entry_id"` // Local queue entry id (idempotency key per register)
	Table           string          `json:"table"`    // Business table name (e.g. "transactions")
	RecordID        string          `json:"record_id"`
	Op              string          `json:"op"`                // INSERT, UPDATE, DELETE
	Payload         json.RawMessage `json:"payload,omitempty"` // ChangePayload JSON; before image may be null for INSERT
	ExpectedVersion int64           `json:"expected_version"`  // Record version at the common ancestor
	ExpectedHash    string          `json:"expected_hash"`     // Integrity hash at the common ancestor ("" for INSERT)
}

// ChangePayload is the serialized body of a queue entry: the pre and
// post images of the mutation. The pre image is required for additive
// conflict merging, so UPDATE and DELETE entries always carry it.
type ChangePayload struct {
	BaseVersion int64          `json:"base_version"`     // sync_version before the mutation (0 for INSERT)
	Before      map[string]any `json:"before,omitempty"` // nil for INSERT
	After       map[string]any `json:"after,omitempty"`  // nil for DELETE
}

// PushResponse represents the authority's reply to a push request.
type PushResponse struct {
	Accepted  bool          `json:"accepted"`  // Overall request success
	Watermark int64         `json:"watermark"` // Current max authority change sequence
	Statuses  []EntryStatus `json:"statuses"`  // Per-entry results, in request order
}

// EntryStatus represents the result of processing a single entry.
// Exactly one of the canonical pair, Remote, or Reason is meaningful,
// keyed by Status.
type EntryStatus struct {
	EntryID          int64           `json:"entry_id"`                    // Echo of the client's queue entry id
	Status           string          `json:"status"`                      // "accepted", "conflict", "rejected"
	CanonicalVersion int64           `json:"canonical_version,omitempty"` // New authoritative version if accepted
	CanonicalHash    string          `json:"canonical_hash,omitempty"`    // Hash of the authoritative state if accepted
	Remote           json.RawMessage `json:"remote,omitempty"`            // RemoteSnapshot JSON if conflict
	Reason           string          `json:"reason,omitempty"`            // Rejection reason constant
	Message          string          `json:"message,omitempty"`           // Optional human-readable detail
}

// RemoteSnapshot is the authority's current view of a record, returned
// on conflict so the register's resolver can reconcile.
type RemoteSnapshot struct {
	Fields        map[string]any `json:"fields"`
	SyncVersion   int64          `json:"sync_version"`
	IntegrityHash string         `json:"integrity_hash"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Deleted       bool           `json:"deleted"`
}

// StatusResponse represents the authority status endpoint payload.
type StatusResponse struct {
	Status           string          `json:"status"`
	AppName          string          `json:"app_name"`
	RegisteredTables []string        `json:"registered_tables"`
	Metrics          MetricsSnapshot `json:"metrics"`
}

// ErrorResponse represents an HTTP-level error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DecodePayload unmarshals the entry's raw payload into a ChangePayload.
func (e *EntryUpload) DecodePayload() (*ChangePayload, error) {
	var p ChangePayload
	if len(e.Payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
