// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tillware/go-possync/possync"
)

func TestRunCycleCleanAccept(t *testing.T) {
	remote := &fakeRemote{}
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	id1 := uuid.NewString()
	id2 := uuid.NewString()
	_, err := client.RecordInsert(ctx, testOrg, "inventory", id1, map[string]any{"q": 1}, "e")
	require.NoError(t, err)
	_, err = client.RecordInsert(ctx, testOrg, "inventory", id2, map[string]any{"q": 2}, "e")
	require.NoError(t, err)

	result, err := client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 2, result.Sent)
	require.Equal(t, 2, result.Accepted)
	require.Zero(t, result.Unanswered)

	// Canonical metadata adopted, last_sync stamped.
	rec, err := client.GetRecord(ctx, testOrg, "inventory", id1)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Meta.SyncVersion)
	require.NotNil(t, rec.Meta.LastSync)

	n, err := client.PendingCount(ctx, testOrg)
	require.NoError(t, err)
	require.Zero(t, n)

	lastID, watermark, err := client.Cursor(ctx, testOrg)
	require.NoError(t, err)
	require.Positive(t, lastID)
	require.EqualValues(t, 2, watermark)

	// Nothing pending: the next cycle does not even call the remote.
	result, err = client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Zero(t, result.Sent)
	require.Len(t, remote.pushes, 1)
}

func TestRunCyclePartialAcknowledgement(t *testing.T) {
	// The authority answers the first 30 of 50 entries, then the
	// connection drops. Only the 30 settle; the next cycle resends
	// exactly the remaining 20.
	remote := &fakeRemote{
		respond: func(req *possync.PushRequest) (*possync.PushResponse, error) {
			full := acceptAll(req)
			if len(full.Statuses) > 30 {
				full.Statuses = full.Statuses[:30]
			}
			return full, nil
		},
	}
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := client.RecordInsert(ctx, testOrg, "inventory", uuid.NewString(),
			map[string]any{"n": i}, "e")
		require.NoError(t, err)
	}

	result, err := client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 50, result.Sent)
	require.Equal(t, 30, result.Accepted)
	require.Equal(t, 20, result.Unanswered)

	n, err := client.PendingCount(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 20, n)

	remote.respond = nil // answer everything from here on
	result, err = client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 20, result.Sent)
	require.Equal(t, 20, result.Accepted)

	// No entry was sent twice after settling.
	require.Len(t, remote.pushes, 2)
	require.Len(t, remote.pushes[1].Entries, 20)
}

func TestRunCyclePartialAckKeepsNewerLocalVersion(t *testing.T) {
	// Two entries for the same record go out in one batch and only the
	// first comes back acknowledged. The stale canonical metadata must
	// not rewind the record below the later mutation's version, and the
	// record must stay writable afterwards.
	remote := &fakeRemote{
		respond: func(req *possync.PushRequest) (*possync.PushResponse, error) {
			full := acceptAll(req)
			full.Statuses = full.Statuses[:1]
			return full, nil
		},
	}
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	id := uuid.NewString()
	_, err := client.RecordInsert(ctx, testOrg, "inventory", id, map[string]any{"quantity": 10}, "e")
	require.NoError(t, err)
	_, err = client.RecordUpdate(ctx, testOrg, "inventory", id, map[string]any{"quantity": 8}, "e")
	require.NoError(t, err)

	result, err := client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 2, result.Sent)
	require.Equal(t, 1, result.Accepted)
	require.Equal(t, 1, result.Unanswered)

	rec, err := client.GetRecord(ctx, testOrg, "inventory", id)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Meta.SyncVersion)
	require.Equal(t, possync.IntegrityHash(rec.Fields), rec.Meta.IntegrityHash)
	require.NotNil(t, rec.Meta.LastSync)

	// The record is still healthy, not halted.
	_, err = client.RecordUpdate(ctx, testOrg, "inventory", id, map[string]any{"quantity": 6}, "e")
	require.NoError(t, err)

	remote.respond = nil
	result, err = client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 2, result.Sent)
	require.Equal(t, 2, result.Accepted)

	rec, err = client.GetRecord(ctx, testOrg, "inventory", id)
	require.NoError(t, err)
	require.EqualValues(t, 3, rec.Meta.SyncVersion)
	require.EqualValues(t, 6, rec.Fields["quantity"])
}

func TestRunCycleTransportFailureBacksOff(t *testing.T) {
	remote := &fakeRemote{
		respond: func(*possync.PushRequest) (*possync.PushResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	_, err := client.RecordInsert(ctx, testOrg, "inventory", uuid.NewString(),
		map[string]any{"q": 1}, "e")
	require.NoError(t, err)

	_, err = client.RunCycle(ctx, testOrg)
	require.ErrorIs(t, err, ErrTransientTransport)

	// Entries stay pending for a later cycle.
	n, err := client.PendingCount(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The retry window is active until it elapses.
	_, err = client.RunCycle(ctx, testOrg)
	require.ErrorIs(t, err, ErrBackoffActive)

	// A successful exchange resets the window.
	st := client.state(testOrg)
	st.notBefore = time.Time{}
	remote.respond = nil
	_, err = client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Zero(t, st.failures)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	client := newTestClient(t, &fakeRemote{}, &Config{
		BatchSize:  10,
		BackoffMin: time.Second,
		BackoffMax: 8 * time.Second,
	})
	st := client.state(testOrg)

	var prev time.Duration
	for i := 0; i < 6; i++ {
		client.registerFailure(st)
		delay := time.Until(st.notBefore)
		require.Greater(t, delay, time.Duration(0))
		// Jittered delay lives in [cap/2, cap] of the exponential step.
		require.LessOrEqual(t, delay, 8*time.Second)
		if i > 0 && i < 3 {
			require.Greater(t, delay, prev/2)
		}
		prev = delay
	}
	require.Equal(t, 6, st.failures)

	client.resetBackoff(st)
	require.Zero(t, st.failures)
	require.True(t, st.notBefore.IsZero())
}

func TestRunCycleBatchTooLargeShrinks(t *testing.T) {
	remote := &fakeRemote{
		respond: func(req *possync.PushRequest) (*possync.PushResponse, error) {
			if len(req.Entries) > 4 {
				resp := &possync.PushResponse{Accepted: false}
				for _, entry := range req.Entries {
					resp.Statuses = append(resp.Statuses, possync.EntryStatus{
						EntryID: entry.EntryID,
						Status:  possync.StRejected,
						Reason:  possync.ReasonBatchTooLarge,
					})
				}
				return resp, nil
			}
			return acceptAll(req), nil
		},
	}
	config := DefaultConfig()
	config.BatchSize = 8
	client := newTestClient(t, remote, config)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := client.RecordInsert(ctx, testOrg, "inventory", uuid.NewString(),
			map[string]any{"n": i}, "e")
		require.NoError(t, err)
	}

	// The first batch of 8 bounces; nothing settles, nothing is
	// terminally rejected. Halved batches of 4 then go through.
	result, err := client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.True(t, result.Reduced)
	require.Equal(t, 4, result.BatchSize)
	n, err := client.PendingCount(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	result, err = client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.False(t, result.Reduced)
	require.Equal(t, 4, result.Accepted)

	result, err = client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 4, result.Accepted)

	n, err = client.PendingCount(ctx, testOrg)
	require.NoError(t, err)
	require.Zero(t, n)

	rejections, err := client.Rejections(ctx, testOrg, 10)
	require.NoError(t, err)
	require.Empty(t, rejections)
}

func TestRunCycleRejectionIsTerminal(t *testing.T) {
	remote := &fakeRemote{
		respond: func(req *possync.PushRequest) (*possync.PushResponse, error) {
			resp := &possync.PushResponse{Accepted: true}
			for _, entry := range req.Entries {
				resp.Statuses = append(resp.Statuses, possync.EntryStatus{
					EntryID: entry.EntryID,
					Status:  possync.StRejected,
					Reason:  possync.ReasonUnregisteredTable,
					Message: "table not registered: inventory",
				})
			}
			return resp, nil
		},
	}
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	recordID := uuid.NewString()
	_, err := client.RecordInsert(ctx, testOrg, "inventory", recordID,
		map[string]any{"q": 1}, "e")
	require.NoError(t, err)

	result, err := client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 1, result.Rejected)

	// Settled, audited, never retried.
	n, err := client.PendingCount(ctx, testOrg)
	require.NoError(t, err)
	require.Zero(t, n)

	rejections, err := client.Rejections(ctx, testOrg, 10)
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	require.Equal(t, recordID, rejections[0].RecordID)
	require.Equal(t, possync.ReasonUnregisteredTable, rejections[0].Reason)
}

func conflictResponse(remote possync.RemoteSnapshot) func(*possync.PushRequest) (*possync.PushResponse, error) {
	return func(req *possync.PushRequest) (*possync.PushResponse, error) {
		snapshot, _ := json.Marshal(remote)
		resp := &possync.PushResponse{Accepted: true}
		for _, entry := range req.Entries {
			resp.Statuses = append(resp.Statuses, possync.EntryStatus{
				EntryID: entry.EntryID,
				Status:  possync.StConflict,
				Remote:  snapshot,
			})
		}
		return resp, nil
	}
}

func TestRunCycleConflictRemoteWins(t *testing.T) {
	remoteState := possync.RemoteSnapshot{
		Fields:        map[string]any{"q": float64(99)},
		SyncVersion:   7,
		IntegrityHash: possync.IntegrityHash(map[string]any{"q": float64(99)}),
		UpdatedAt:     time.Now().Add(time.Hour), // newer than any local change
	}
	remote := &fakeRemote{respond: conflictResponse(remoteState)}
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	recordID := uuid.NewString()
	_, err := client.RecordInsert(ctx, testOrg, "inventory", recordID,
		map[string]any{"q": 1}, "e")
	require.NoError(t, err)

	result, err := client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)

	// Local state replaced wholesale by the canonical one.
	rec, err := client.GetRecord(ctx, testOrg, "inventory", recordID)
	require.NoError(t, err)
	require.EqualValues(t, 99, rec.Fields["q"])
	require.EqualValues(t, 7, rec.Meta.SyncVersion)
	require.Equal(t, remoteState.IntegrityHash, rec.Meta.IntegrityHash)

	// Terminal: nothing re-queued.
	n, err := client.PendingCount(ctx, testOrg)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunCycleConflictRemoteDeleteWins(t *testing.T) {
	remoteState := possync.RemoteSnapshot{
		SyncVersion: 5,
		UpdatedAt:   time.Now().Add(time.Hour),
		Deleted:     true,
	}
	remote := &fakeRemote{respond: conflictResponse(remoteState)}
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	recordID := uuid.NewString()
	_, err := client.RecordInsert(ctx, testOrg, "inventory", recordID,
		map[string]any{"q": 1}, "e")
	require.NoError(t, err)

	result, err := client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)

	_, err = client.GetRecord(ctx, testOrg, "inventory", recordID)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRunCycleConflictAdditiveMerge(t *testing.T) {
	// Two registers sold from the same stock. This register took
	// quantity 10 -> 8 (sold 2); meanwhile the authority moved to 12.
	// The merge must preserve both movements: 12 + (8 - 10) = 10.
	remoteState := possync.RemoteSnapshot{
		Fields:        map[string]any{"quantity": float64(12)},
		SyncVersion:   3,
		IntegrityHash: possync.IntegrityHash(map[string]any{"quantity": float64(12)}),
		UpdatedAt:     time.Now().Add(time.Hour),
	}
	remote := &fakeRemote{respond: conflictResponse(remoteState)}
	config := DefaultConfig()
	config.CounterFields = map[string][]string{"inventory": {"quantity"}}
	client := newTestClient(t, remote, config)
	ctx := context.Background()

	recordID := uuid.NewString()
	_, err := client.RecordInsert(ctx, testOrg, "inventory", recordID,
		map[string]any{"quantity": 10}, "e")
	require.NoError(t, err)
	_, err = client.RecordUpdate(ctx, testOrg, "inventory", recordID,
		map[string]any{"quantity": 8}, "e")
	require.NoError(t, err)

	// The insert entry conflicts too (same scripted response), but the
	// update entry is the one carrying the base for the merge; drain
	// the insert first on its own.
	pending, err := client.PendingBatch(ctx, testOrg, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, client.MarkProcessed(ctx, []int64{pending[0].ID}))

	result, err := client.RunCycle(ctx, testOrg)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)

	rec, err := client.GetRecord(ctx, testOrg, "inventory", recordID)
	require.NoError(t, err)
	require.EqualValues(t, 10, rec.Fields["quantity"])
	require.EqualValues(t, 4, rec.Meta.SyncVersion) // remote 3 + 1

	// The merged state ships as a fresh entry built on the canonical
	// version, so the authority's optimistic check passes next cycle.
	pending, err = client.PendingBatch(ctx, testOrg, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, possync.OpUpdate, pending[0].Operation)
	require.EqualValues(t, 3, pending[0].Payload.BaseVersion)
	require.EqualValues(t, 10, pending[0].Payload.After["quantity"])
}

func TestRunCycleLease(t *testing.T) {
	client := newTestClient(t, &fakeRemote{}, nil)

	st := client.state(testOrg)
	st.mu.Lock()
	defer st.mu.Unlock()

	_, err := client.RunCycle(context.Background(), testOrg)
	require.ErrorIs(t, err, ErrCycleInProgress)
}
