// Copyright 2026 Tillware
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Sequence allocation for locally issued document numbers (invoices,
// receipts). Numbers are unique and strictly increasing per
// organization and document type, with no gaps under concurrency: the
// counter is only ever touched through one atomic increment statement.

// NextNumber allocates the next document number for the organization
// and document type, formatted as prefix plus a zero-padded counter.
// The counter row is created on first use.
func (c *Client) NextNumber(ctx context.Context, organizationID, documentType string) (string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO _sync_sequences (organization_id, document_type, prefix, next_number)
		VALUES (?, ?, '', 1)
	`, organizationID, documentType)
	if err != nil {
		return "", fmt.Errorf("failed to create sequence counter: %w", err)
	}

	// Increment and read in one statement so no interleaving can hand
	// two callers the same number.
	var prefix string
	var allocated int64
	err = c.DB.QueryRowContext(ctx, `
		UPDATE _sync_sequences
		SET next_number = next_number + 1
		WHERE organization_id = ? AND document_type = ?
		RETURNING prefix, next_number - 1
	`, organizationID, documentType).Scan(&prefix, &allocated)
	if err != nil {
		return "", fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	return fmt.Sprintf("%s%0*d", prefix, c.config.SequencePad, allocated), nil
}

// ConfigureSequence sets the prefix and, if start is higher than the
// current counter, advances it. The counter never moves backwards, so
// already-issued numbers cannot be reissued.
func (c *Client) ConfigureSequence(ctx context.Context, organizationID, documentType, prefix string, start int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO _sync_sequences (organization_id, document_type, prefix, next_number)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id, document_type) DO UPDATE SET
			prefix      = excluded.prefix,
			next_number = MAX(next_number, excluded.next_number)
	`, organizationID, documentType, prefix, start)
	if err != nil {
		return fmt.Errorf("failed to configure sequence: %w", err)
	}
	return nil
}

// PeekNumber reports the next number that would be allocated, without
// allocating it. Informational only; concurrent allocations may claim
// it first.
func (c *Client) PeekNumber(ctx context.Context, organizationID, documentType string) (string, error) {
	var prefix string
	var next int64
	err := c.DB.QueryRowContext(ctx, `
		SELECT prefix, next_number FROM _sync_sequences
		WHERE organization_id = ? AND document_type = ?
	`, organizationID, documentType).Scan(&prefix, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Sprintf("%0*d", c.config.SequencePad, 1), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sequence counter: %w", err)
	}
	return fmt.Sprintf("%s%0*d", prefix, c.config.SequencePad, next), nil
}
