// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// LocalFieldPrefix marks fields that never leave the register (UI
// state, cached display values). They are excluded from the integrity
// digest and must not influence conflict detection.
const LocalFieldPrefix = "local_"

// metadataFields are the sync bookkeeping columns; the digest covers
// business content only, never its own bookkeeping.
var metadataFields = map[string]struct{}{
	"sync_version":   {},
	"last_sync":      {},
	"integrity_hash": {},
}

// IntegrityHash computes the canonical digest of a record's
// synchronized fields. The encoding sorts keys recursively and uses
// encoding/json scalar encoding, so the digest is identical on both
// sides of the wire regardless of map iteration order or whether the
// values came from a JSON decode or were built in Go.
func IntegrityHash(fields map[string]any) string {
	h := sha256.New()
	writeCanonical(h, SyncedFields(fields))
	return hex.EncodeToString(h.Sum(nil))
}

// SyncedFields returns a shallow copy of fields with sync metadata and
// register-local fields stripped.
func SyncedFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, meta := metadataFields[k]; meta {
			continue
		}
		if strings.HasPrefix(k, LocalFieldPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

func writeCanonical(h hash.Hash, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte{'{'})
		for i, k := range keys {
			if i > 0 {
				h.Write([]byte{','})
			}
			kb, _ := json.Marshal(k)
			h.Write(kb)
			h.Write([]byte{':'})
			writeCanonical(h, val[k])
		}
		h.Write([]byte{'}'})
	case []any:
		h.Write([]byte{'['})
		for i, item := range val {
			if i > 0 {
				h.Write([]byte{','})
			}
			writeCanonical(h, item)
		}
		h.Write([]byte{']'})
	default:
		b, err := json.Marshal(val)
		if err != nil {
			// Unencodable values cannot round-trip through the wire
			// either; fold the type name into the digest so the
			// mismatch is detected instead of silently ignored.
			b = []byte(fmt.Sprintf("%q", fmt.Sprintf("!%T", val)))
		}
		h.Write(b)
	}
}
