// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tillware/go-possync/possync"
)

// Conflict describes a divergence reported by the authority: the local
// change was built on a version or hash the authority no longer holds.
type Conflict struct {
	OrganizationID string
	Table          string
	RecordID       string
	Operation      string

	// Base is the pre-image the local change was built on, Local the
	// post-image. Base is nil for inserts, Local is nil for deletes.
	Base  map[string]any
	Local map[string]any

	// LocalUpdatedAt is when the local change was recorded.
	LocalUpdatedAt time.Time

	// Remote is the authority's current canonical state.
	Remote possync.RemoteSnapshot
}

// Winner identifies whose state survives a conflict.
type Winner string

const (
	WinnerRemote Winner = "remote"
	WinnerLocal  Winner = "local"
	WinnerMerged Winner = "merged"
)

// Decision is a resolver's verdict. Fields carries the surviving state
// for WinnerLocal and WinnerMerged; it is ignored for WinnerRemote.
type Decision struct {
	Winner Winner
	Fields map[string]any
}

// Resolver decides conflicts. Implementations must be deterministic:
// given the same local and remote state every register must reach the
// same outcome, or tills drift apart.
type Resolver interface {
	Resolve(ctx context.Context, conflict Conflict) (Decision, error)
}

// DefaultResolver applies last-writer-wins by modification time, with
// the authority winning ties. Fields listed in CounterFields get
// additive reconciliation instead: both sides' deltas against the
// common base are preserved, so two registers selling from the same
// stock never lose a sale.
type DefaultResolver struct {
	// CounterFields maps table name to the numeric fields that merge
	// additively (stock quantities, cash drawer totals).
	CounterFields map[string][]string
}

func (r *DefaultResolver) Resolve(_ context.Context, conflict Conflict) (Decision, error) {
	counters := r.CounterFields[conflict.Table]

	// Additive merge needs a common base and live state on both sides.
	if len(counters) > 0 && conflict.Base != nil && conflict.Local != nil && !conflict.Remote.Deleted {
		return Decision{Winner: WinnerMerged, Fields: r.merge(conflict, counters)}, nil
	}

	if localWins(conflict) {
		return Decision{Winner: WinnerLocal, Fields: conflict.Local}, nil
	}
	return Decision{Winner: WinnerRemote}, nil
}

// localWins implements last-writer-wins. Equal timestamps go to the
// authority so every register converges on the same answer.
func localWins(conflict Conflict) bool {
	return conflict.LocalUpdatedAt.After(conflict.Remote.UpdatedAt)
}

// merge builds the reconciled state: non-counter fields follow the
// last-writer-wins winner, counter fields get remote plus the local
// delta against the base.
func (r *DefaultResolver) merge(conflict Conflict, counters []string) map[string]any {
	merged := make(map[string]any)
	if localWins(conflict) {
		for k, v := range conflict.Remote.Fields {
			merged[k] = v
		}
		for k, v := range conflict.Local {
			merged[k] = v
		}
	} else {
		for k, v := range conflict.Local {
			merged[k] = v
		}
		for k, v := range conflict.Remote.Fields {
			merged[k] = v
		}
	}

	for _, field := range counters {
		base, baseOK := numeric(conflict.Base[field])
		local, localOK := numeric(conflict.Local[field])
		remote, remoteOK := numeric(conflict.Remote.Fields[field])
		if !baseOK || !localOK || !remoteOK {
			continue
		}
		merged[field] = remote + (local - base)
	}
	return merged
}

// numeric coerces the value shapes that survive a JSON round trip.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
