// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tillware/go-possync/possync"
)

func TestDefaultResolverLastWriterWins(t *testing.T) {
	resolver := &DefaultResolver{}
	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	conflict := Conflict{
		Table:          "transactions",
		Local:          map[string]any{"status": "voided"},
		LocalUpdatedAt: base.Add(time.Minute),
		Remote: possync.RemoteSnapshot{
			Fields:    map[string]any{"status": "completed"},
			UpdatedAt: base,
		},
	}

	// Local write is newer.
	decision, err := resolver.Resolve(context.Background(), conflict)
	require.NoError(t, err)
	require.Equal(t, WinnerLocal, decision.Winner)
	require.Equal(t, "voided", decision.Fields["status"])

	// Remote write is newer.
	conflict.LocalUpdatedAt = base.Add(-time.Minute)
	decision, err = resolver.Resolve(context.Background(), conflict)
	require.NoError(t, err)
	require.Equal(t, WinnerRemote, decision.Winner)
}

func TestDefaultResolverRemoteWinsTies(t *testing.T) {
	// Equal timestamps must resolve the same way on every register,
	// and the authority is the shared reference.
	ts := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	resolver := &DefaultResolver{}

	decision, err := resolver.Resolve(context.Background(), Conflict{
		Table:          "transactions",
		Local:          map[string]any{"status": "voided"},
		LocalUpdatedAt: ts,
		Remote: possync.RemoteSnapshot{
			Fields:    map[string]any{"status": "completed"},
			UpdatedAt: ts,
		},
	})
	require.NoError(t, err)
	require.Equal(t, WinnerRemote, decision.Winner)
}

func TestDefaultResolverAdditiveMerge(t *testing.T) {
	resolver := &DefaultResolver{
		CounterFields: map[string][]string{"inventory": {"quantity"}},
	}

	decision, err := resolver.Resolve(context.Background(), Conflict{
		Table:          "inventory",
		Base:           map[string]any{"quantity": float64(10), "name": "Widget"},
		Local:          map[string]any{"quantity": float64(8), "name": "Widget"},
		LocalUpdatedAt: time.Now(),
		Remote: possync.RemoteSnapshot{
			Fields:    map[string]any{"quantity": float64(12), "name": "Widget"},
			UpdatedAt: time.Now().Add(time.Minute),
		},
	})
	require.NoError(t, err)
	require.Equal(t, WinnerMerged, decision.Winner)
	// remote 12 plus local delta (8 - 10) = 10; both sales survive.
	require.EqualValues(t, 10, decision.Fields["quantity"])
	require.Equal(t, "Widget", decision.Fields["name"])
}

func TestDefaultResolverMergeKeepsNonCounterFieldsFromWinner(t *testing.T) {
	resolver := &DefaultResolver{
		CounterFields: map[string][]string{"inventory": {"quantity"}},
	}
	now := time.Now()

	conflict := Conflict{
		Table:          "inventory",
		Base:           map[string]any{"quantity": float64(10), "location": "shelf A"},
		Local:          map[string]any{"quantity": float64(9), "location": "shelf B"},
		LocalUpdatedAt: now.Add(time.Minute),
		Remote: possync.RemoteSnapshot{
			Fields:    map[string]any{"quantity": float64(11), "location": "shelf C"},
			UpdatedAt: now,
		},
	}

	// Local edit is newer: its non-counter fields win, counters still merge.
	decision, err := resolver.Resolve(context.Background(), conflict)
	require.NoError(t, err)
	require.Equal(t, "shelf B", decision.Fields["location"])
	require.EqualValues(t, 10, decision.Fields["quantity"]) // 11 + (9 - 10)

	// Remote is newer: remote non-counter fields win.
	conflict.LocalUpdatedAt = now.Add(-time.Minute)
	decision, err = resolver.Resolve(context.Background(), conflict)
	require.NoError(t, err)
	require.Equal(t, "shelf C", decision.Fields["location"])
	require.EqualValues(t, 10, decision.Fields["quantity"])
}

func TestDefaultResolverMergeNeedsBase(t *testing.T) {
	resolver := &DefaultResolver{
		CounterFields: map[string][]string{"inventory": {"quantity"}},
	}

	// No common base (insert/insert collision): falls back to LWW.
	decision, err := resolver.Resolve(context.Background(), Conflict{
		Table:          "inventory",
		Local:          map[string]any{"quantity": float64(5)},
		LocalUpdatedAt: time.Now(),
		Remote: possync.RemoteSnapshot{
			Fields:    map[string]any{"quantity": float64(7)},
			UpdatedAt: time.Now().Add(time.Minute),
		},
	})
	require.NoError(t, err)
	require.Equal(t, WinnerRemote, decision.Winner)
}

func TestDefaultResolverDeterministic(t *testing.T) {
	resolver := &DefaultResolver{
		CounterFields: map[string][]string{"inventory": {"quantity"}},
	}
	conflict := Conflict{
		Table:          "inventory",
		Base:           map[string]any{"quantity": float64(10)},
		Local:          map[string]any{"quantity": float64(8)},
		LocalUpdatedAt: time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
		Remote: possync.RemoteSnapshot{
			Fields:    map[string]any{"quantity": float64(12)},
			UpdatedAt: time.Date(2026, 8, 31, 11, 0, 0, 0, time.UTC),
		},
	}

	first, err := resolver.Resolve(context.Background(), conflict)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := resolver.Resolve(context.Background(), conflict)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestNumericCoercion(t *testing.T) {
	for _, v := range []any{float64(3), float32(3), int(3), int64(3)} {
		n, ok := numeric(v)
		require.True(t, ok)
		require.EqualValues(t, 3, n)
	}
	_, ok := numeric("3")
	require.False(t, ok)
	_, ok = numeric(nil)
	require.False(t, ok)
}
