// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HighWaterMark returns the incoming-sync checkpoint for scope, if one was recorded.
func (s *Store) HighWaterMark(ctx context.Context, scope string) (time.Time, bool, error) {
	var until string
	err := s.db.QueryRowContext(ctx, `SELECT until FROM _sync_watermarks WHERE scope = ?`, scope).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query high-water mark: %w", err)
	}
	t, err := parseTime(until)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SetHighWaterMark records the checkpoint in its own statement. Callers must only call
// it after the corresponding merge transaction has committed.
func (s *Store) SetHighWaterMark(ctx context.Context, scope string, until time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_watermarks (scope, until) VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET until = excluded.until`, scope, formatTime(until)); err != nil {
		return fmt.Errorf("failed to update high-water mark: %w", err)
	}
	return nil
}

// ClearHighWaterMark forgets the checkpoint so the next incoming sync is a full one.
func (s *Store) ClearHighWaterMark(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _sync_watermarks WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("failed to clear high-water mark: %w", err)
	}
	return nil
}
