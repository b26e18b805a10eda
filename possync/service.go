// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrServiceClosed is returned for pushes attempted after Close.
var ErrServiceClosed = errors.New("sync service is closed")

// SyncService is the central authority for a fleet of offline-first
// deployments. It accepts batches of queued change entries per
// organization, decides each entry against the authoritative row
// metadata (version counter + integrity hash), and returns per-entry
// accepted/conflict/rejected statuses.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	registeredTables map[string]bool

	metrics serviceMetrics

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the authority service.
type ServiceConfig struct {
	AppName          string   // Application name for connection tracking
	RegisteredTables []string // Table names allowed in push requests (required)

	MaxBatchSize    int // Maximum entries per push (0 = unlimited)
	MaxPayloadBytes int // Maximum payload size per entry in bytes (0 = unlimited)
}

// NewSyncService creates a new authority service from an existing pool
// and initializes the sync schema.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-possync"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.RegisteredTables) == 0 {
		return nil, fmt.Errorf("at least one registered table is required")
	}

	service := &SyncService{
		pool:             pool,
		logger:           logger,
		config:           config,
		registeredTables: make(map[string]bool),
	}
	for _, table := range config.RegisteredTables {
		service.registeredTables[strings.ToLower(strings.TrimSpace(table))] = true
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		logger.Error("Failed to initialize sync schema", "error", err)
		return nil, err
	}
	logger.Debug("Sync schema initialized")

	return service, nil
}

// IsTableRegistered reports whether a table participates in sync.
func (s *SyncService) IsTableRegistered(table string) bool {
	return s.registeredTables[strings.ToLower(strings.TrimSpace(table))]
}

// RegisteredTableNames returns the registered tables in sorted order.
func (s *SyncService) RegisteredTableNames() []string {
	names := make([]string, 0, len(s.registeredTables))
	for name := range s.registeredTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close marks the service closed; subsequent pushes fail with
// ErrServiceClosed. The pool is owned by the caller and is not closed
// here.
func (s *SyncService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *SyncService) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Watermark returns the current highest change sequence for an organization.
func (s *SyncService) Watermark(ctx context.Context, organizationID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM sync.change_log WHERE organization_id = $1
	`, organizationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return seq, nil
}
