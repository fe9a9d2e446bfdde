// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-timesync/internal/syncutil"
	"github.com/mobiletoly/go-timesync/models"
)

// PGConfig tunes transaction retries of PGStorage.
type PGConfig struct {
	MaxTxAttempts int
	RetryMin      time.Duration
	RetryMax      time.Duration
}

// DefaultPGConfig returns the retry policy used when nil is passed to NewPGStorage.
func DefaultPGConfig() *PGConfig {
	return &PGConfig{
		MaxTxAttempts: 5,
		RetryMin:      10 * time.Millisecond,
		RetryMax:      500 * time.Millisecond,
	}
}

// PGStorage keeps records in PostgreSQL. Record bodies live in a jsonb column and the
// bookkeeping columns are authoritative over the body.
type PGStorage struct {
	pool   *pgxpool.Pool
	config *PGConfig
	logger *slog.Logger
}

var _ Storage = (*PGStorage)(nil)

// NewPGStorage creates the schema if needed and returns the store.
func NewPGStorage(ctx context.Context, pool *pgxpool.Pool, config *PGConfig, logger *slog.Logger) (*PGStorage, error) {
	if config == nil {
		config = DefaultPGConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStorage{pool: pool, config: config, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PGStorage) initializeSchema(ctx context.Context) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ts_records (
			remote_id   BIGSERIAL   PRIMARY KEY,
			user_id     TEXT        NOT NULL,
			kind        TEXT        NOT NULL,
			client_id   UUID        NOT NULL,
			body        JSONB       NOT NULL,
			modified_at TIMESTAMPTZ NOT NULL,
			deleted_at  TIMESTAMPTZ,
			changed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, client_id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS ts_records_changed_idx
			ON ts_records (user_id, changed_at, remote_id)`,
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return fmt.Errorf("failed to execute migration: %w", err)
			}
		}
		return nil
	})
}

func (s *PGStorage) Create(ctx context.Context, userID string, r models.Record, now time.Time) (models.Record, error) {
	body, err := models.EncodeRecord(r)
	if err != nil {
		return nil, err
	}
	c := r.Common()
	var out models.Record
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var remoteID int64
		err := tx.QueryRow(ctx,
			/*language=postgresql*/ `INSERT INTO ts_records (user_id, kind, client_id, body, modified_at, deleted_at, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, client_id) DO NOTHING
			RETURNING remote_id`,
			userID, string(r.Kind()), c.ID, body, c.ModifiedAt.UTC(), c.DeletedAt, now.UTC(),
		).Scan(&remoteID)
		if errors.Is(err, pgx.ErrNoRows) {
			out, err = scanRecord(tx.QueryRow(ctx,
				/*language=postgresql*/ `SELECT kind, remote_id, client_id, body, modified_at, deleted_at
				FROM ts_records WHERE user_id = $1 AND client_id = $2`,
				userID, c.ID))
			if err != nil {
				return fmt.Errorf("failed to load existing record: %w", err)
			}
			s.logger.Debug("Duplicate create answered with stored record", "user", userID, "id", c.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		out = r.Clone()
		oc := out.Common()
		oc.RemoteID = &remoteID
		oc.SyncPending = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStorage) Update(ctx context.Context, userID string, r models.Record, now time.Time) (models.Record, error) {
	body, err := models.EncodeRecord(r)
	if err != nil {
		return nil, err
	}
	c := r.Common()
	var out models.Record
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var clientID uuid.UUID
		err := tx.QueryRow(ctx,
			/*language=postgresql*/ `UPDATE ts_records
			SET body = $4, modified_at = $5, deleted_at = $6, changed_at = $7
			WHERE user_id = $1 AND kind = $2 AND remote_id = $3
			RETURNING client_id`,
			userID, string(r.Kind()), *c.RemoteID, body, c.ModifiedAt.UTC(), c.DeletedAt, now.UTC(),
		).Scan(&clientID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		out = r.Clone()
		oc := out.Common()
		oc.ID = clientID
		oc.SyncPending = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStorage) Delete(ctx context.Context, userID string, kind models.Kind, remoteID int64, now time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			/*language=postgresql*/ `UPDATE ts_records
			SET deleted_at = $4, modified_at = $4, changed_at = $4
			WHERE user_id = $1 AND kind = $2 AND remote_id = $3`,
			userID, string(kind), remoteID, now.UTC())
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PGStorage) Changes(ctx context.Context, userID string, from time.Time) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx,
		/*language=postgresql*/ `SELECT kind, remote_id, client_id, body, modified_at, deleted_at
		FROM ts_records
		WHERE user_id = $1 AND changed_at >= $2
		ORDER BY changed_at, remote_id`,
		userID, from.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (models.Record, error) {
	var (
		kind       string
		remoteID   int64
		clientID   uuid.UUID
		body       []byte
		modifiedAt time.Time
		deletedAt  *time.Time
	)
	if err := row.Scan(&kind, &remoteID, &clientID, &body, &modifiedAt, &deletedAt); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec, err := models.DecodeRecord(models.Kind(kind), body)
	if err != nil {
		return nil, err
	}
	c := rec.Common()
	c.ID = clientID
	c.RemoteID = &remoteID
	c.ModifiedAt = modifiedAt.UTC()
	c.DeletedAt = nil
	if deletedAt != nil {
		c.DeletedAt = models.Time(*deletedAt)
	}
	c.SyncPending = false
	return rec, nil
}

// inTx runs fn in a transaction, retrying serialization failures, deadlocks and
// lock timeouts with backoff.
func (s *PGStorage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	backoff := syncutil.NewBackoff(s.config.RetryMin, s.config.RetryMax)
	attempts := max(s.config.MaxTxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("Retrying transaction", "attempt", attempt, "error", err)
		if sleepErr := syncutil.SleepWithContext(ctx, backoff.Failure()); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}
