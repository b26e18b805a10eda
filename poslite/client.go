// Package poslite is the embedded sync engine for offline-first
// point-of-sale deployments. Each deployment (organization) runs
// against a local SQLite database; local mutations are recorded in a
// durable per-organization queue and periodically reconciled with the
// central authority by the dispatcher.
//
// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Default priorities: lower drains first. Deletes outrank inserts,
// inserts outrank updates, so racing operations on the same record
// resolve deterministically by priority rather than arrival time.
const (
	PriorityDelete = 0
	PriorityInsert = 1
	PriorityUpdate = 2

	// priorityNoop is assigned to updates whose integrity hash did not
	// change. They still ship (the hash feeds downstream conflict
	// detection) but drain last.
	priorityNoop = 9
)

// Client manages the local SQLite store and the sync machinery:
// change recording, queueing, dispatch, conflict resolution and
// sequence allocation.
type Client struct {
	DB       *sql.DB
	Remote   RemoteEndpoint
	Resolver Resolver
	config   *Config
	logger   *slog.Logger
	writeMu  sync.Mutex // Serialize writes to avoid SQLite lock contention

	cycleMu sync.Mutex
	cycles  map[string]*cycleState

	paused int32
}

// cycleState holds the per-organization dispatch lease and backoff window.
type cycleState struct {
	mu        sync.Mutex // held for the whole dispatch cycle
	failures  int
	notBefore time.Time
	batchSize int
}

// Config holds configuration for the sync engine.
type Config struct {
	BatchSize    int           // entries per dispatch cycle, e.g. 50-200
	SyncInterval time.Duration // delay between background cycles
	BackoffMin   time.Duration // first retry delay after a transport failure
	BackoffMax   time.Duration // retry delay cap

	// PriorityOverrides forces a priority for every operation on a
	// table, e.g. subscriptions and activation keys always drain first.
	PriorityOverrides map[string]int

	// CounterFields lists, per table, the numeric fields that get
	// additive reconciliation on conflict (inventory quantities, cash
	// totals) instead of last-writer-wins.
	CounterFields map[string][]string

	SequencePad int // zero-padded width of allocated document numbers
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:    100,
		SyncInterval: 5 * time.Second,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		SequencePad:  6,
	}
}

// NewClient creates a sync engine over an open SQLite database and
// bootstraps the local sync schema.
func NewClient(db *sql.DB, remote RemoteEndpoint, resolver Resolver, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if resolver == nil {
		resolver = &DefaultResolver{CounterFields: config.CounterFields}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize local sync schema: %w", err)
	}

	return &Client{
		DB:       db,
		Remote:   remote,
		Resolver: resolver,
		config:   config,
		logger:   logger,
		cycles:   make(map[string]*cycleState),
	}, nil
}

// Pause suspends background dispatch cycles.
func (c *Client) Pause() { atomic.StoreInt32(&c.paused, 1) }

// Resume resumes background dispatch cycles.
func (c *Client) Resume() { atomic.StoreInt32(&c.paused, 0) }

func (c *Client) isPaused() bool { return atomic.LoadInt32(&c.paused) == 1 }

// Run executes dispatch cycles for one organization until the context
// is cancelled. Transport failures are absorbed by the per-organization
// backoff; they never stop the loop.
func (c *Client) Run(ctx context.Context, organizationID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.isPaused() {
			_, err := c.RunCycle(ctx, organizationID)
			switch {
			case err == nil:
			case errors.Is(err, ErrBackoffActive), errors.Is(err, ErrCycleInProgress):
				// Expected pacing conditions.
			case errors.Is(err, ErrTransientTransport):
				c.logger.Debug("Dispatch cycle deferred after transport failure",
					"organization_id", organizationID, "error", err)
			default:
				c.logger.Error("Dispatch cycle failed",
					"organization_id", organizationID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.SyncInterval):
		}
	}
}

// state returns the dispatch state for an organization, creating it on
// first use.
func (c *Client) state(organizationID string) *cycleState {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	st, ok := c.cycles[organizationID]
	if !ok {
		st = &cycleState{batchSize: c.config.BatchSize}
		c.cycles[organizationID] = st
	}
	return st
}

// timeLayout is fixed-width so stored timestamps sort correctly as
// text. RFC3339Nano trims trailing zeros and breaks that.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func nowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

// parseTime parses stored timestamps; RFC3339Nano accepts timeLayout
// values too.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// compile-time check that the default resolver satisfies the interface
var _ Resolver = (*DefaultResolver)(nil)
