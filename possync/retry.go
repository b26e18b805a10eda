// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txRetryAttempts = 3
	txRetryBaseWait = 25 * time.Millisecond
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// withTxRetry runs fn in a transaction, retrying a bounded number of
// times on serialization/deadlock/lock-timeout failures. Retrying the
// whole push is safe: the idempotency gate makes redelivery a no-op.
func (s *SyncService) withTxRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, txRetryBaseWait<<(attempt-1)); err != nil {
				return err
			}
			s.logger.Debug("Retrying push transaction", "attempt", attempt+1)
		}
		lastErr = pgx.BeginFunc(ctx, s.pool, fn)
		if lastErr == nil || !isRetryablePGTxError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
