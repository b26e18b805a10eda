// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/tillware/go-possync/possync"
)

const testOrg = "org-test"

func newTestClient(t *testing.T, remote RemoteEndpoint, config *Config) *Client {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the whole test on one in-memory
	// database; a second connection would see an empty one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	client, err := NewClient(db, remote, nil, config, slog.Default())
	require.NoError(t, err)
	return client
}

// fakeRemote scripts the authority's behavior per push.
type fakeRemote struct {
	pushes  []*possync.PushRequest
	respond func(req *possync.PushRequest) (*possync.PushResponse, error)
}

func (f *fakeRemote) Push(_ context.Context, _ string, req *possync.PushRequest) (*possync.PushResponse, error) {
	f.pushes = append(f.pushes, req)
	if f.respond == nil {
		return acceptAll(req), nil
	}
	return f.respond(req)
}

// acceptAll acknowledges every entry with version base+1 and the hash
// of its after image, the way the authority does on a clean apply.
func acceptAll(req *possync.PushRequest) *possync.PushResponse {
	resp := &possync.PushResponse{Accepted: true, Watermark: int64(len(req.Entries))}
	for _, entry := range req.Entries {
		payload, _ := entry.DecodePayload()
		resp.Statuses = append(resp.Statuses, possync.EntryStatus{
			EntryID:          entry.EntryID,
			Status:           possync.StAccepted,
			CanonicalVersion: entry.ExpectedVersion + 1,
			CanonicalHash:    possync.IntegrityHash(payload.After),
		})
	}
	return resp
}
