// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the durable local cache of synchronized records. It keeps one
// keyed table per record kind, durable FIFO queues for outbound changes, a dead-letter
// table and the incoming-sync high-water marks, all in a single SQLite database.
//
// Storage errors are returned to the caller as-is (wrapped for context); the store never
// retries, logs or swallows them.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-timesync/models"
)

// ErrNotFound is returned when a record lookup has no match.
var ErrNotFound = errors.New("record not found")

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed local store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used for schema initialization messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (or creates) the SQLite database at path and initializes the schema.
// The database is restricted to a single connection: all writers are serialized and
// ":memory:" databases stay alive for the lifetime of the Store.
func Open(path string, opts ...Option) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and initializes the schema.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.logger.Debug("Local store initialized")
	return s, nil
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func tableName(kind models.Kind) string { return "ts_" + string(kind) }

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var stmts []string
	for _, kind := range models.Kinds {
		table := tableName(kind)
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id           TEXT PRIMARY KEY,
				remote_id    INTEGER UNIQUE,
				modified_at  TEXT NOT NULL,
				deleted_at   TEXT,
				sync_pending INTEGER NOT NULL DEFAULT 0,
				body         TEXT NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_modified_idx ON %s (modified_at)`, table, table),
		)
	}
	stmts = append(stmts,
		// One row per sync scope; written only after a merge has committed.
		`CREATE TABLE IF NOT EXISTS _sync_watermarks (
			scope TEXT PRIMARY KEY,
			until TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_dead_letter (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_id   TEXT NOT NULL,
			payload    BLOB NOT NULL,
			attempts   INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			failed_at  TEXT NOT NULL
		)`,
	)

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ChangeOp is the kind of write recorded by a transaction.
type ChangeOp string

const (
	OpPut    ChangeOp = "put"
	OpDelete ChangeOp = "delete"
)

// Change is one write actually applied inside an Update call.
type Change struct {
	Op     ChangeOp
	Record models.Record
}

// Tx is the mutation context handed to Update workers. It must not be used after the
// worker returns.
type Tx struct {
	ctx     context.Context
	tx      *sql.Tx
	changes []Change
}

// Update runs worker inside a single transaction and commits atomically. It returns the
// records inserted, updated or deleted by the worker. If the worker fails nothing is
// written and the worker's error is returned unchanged.
func (s *Store) Update(ctx context.Context, worker func(tx *Tx) error) ([]Change, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback() // Safe to call even after commit

	tx := &Tx{ctx: ctx, tx: sqlTx}
	if err := worker(tx); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tx.changes, nil
}

// Put inserts or replaces a record by primary key.
func (t *Tx) Put(r models.Record) error {
	if err := models.Validate(r); err != nil {
		return err
	}
	body, err := models.EncodeRecord(r)
	if err != nil {
		return err
	}
	c := r.Common()
	var deletedAt any
	if c.DeletedAt != nil {
		deletedAt = formatTime(*c.DeletedAt)
	}
	var remoteID any
	if c.RemoteID != nil {
		remoteID = *c.RemoteID
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, remote_id, modified_at, deleted_at, sync_pending, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_id = excluded.remote_id,
			modified_at = excluded.modified_at,
			deleted_at = excluded.deleted_at,
			sync_pending = excluded.sync_pending,
			body = excluded.body`, tableName(r.Kind()))
	if _, err := t.tx.ExecContext(t.ctx, query,
		c.ID.String(), remoteID, formatTime(c.ModifiedAt), deletedAt, boolToInt(c.SyncPending), string(body)); err != nil {
		return fmt.Errorf("failed to put %s %s: %w", r.Kind(), c.ID, err)
	}
	t.changes = append(t.changes, Change{Op: OpPut, Record: r.Clone()})
	return nil
}

// Delete removes a record by primary key. Deleting a missing record is not an error
// and is not reported as a change.
func (t *Tx) Delete(r models.Record) error {
	c := r.Common()
	res, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tableName(r.Kind())), c.ID.String())
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", r.Kind(), c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		t.changes = append(t.changes, Change{Op: OpDelete, Record: r.Clone()})
	}
	return nil
}

// Get loads a record by local id inside the transaction.
func (t *Tx) Get(kind models.Kind, id uuid.UUID) (models.Record, error) {
	return getRecord(t.ctx, t.tx, kind, "id = ?", id.String())
}

// GetByRemoteID loads a record by server id inside the transaction.
func (t *Tx) GetByRemoteID(kind models.Kind, remoteID int64) (models.Record, error) {
	return getRecord(t.ctx, t.tx, kind, "remote_id = ?", remoteID)
}

// Find looks a record up by local id when set, falling back to the remote id.
func (t *Tx) Find(kind models.Kind, id uuid.UUID, remoteID *int64) (models.Record, error) {
	if id != uuid.Nil {
		r, err := t.Get(kind, id)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return r, err
		}
	}
	if remoteID != nil {
		return t.GetByRemoteID(kind, *remoteID)
	}
	return nil, ErrNotFound
}

// Scan calls fn for every record of kind, tombstones included.
func (t *Tx) Scan(kind models.Kind, fn func(models.Record) error) error {
	return scanRecords(t.ctx, t.tx, kind, "1=1", nil, fn)
}

// Pending returns every record with unconfirmed local changes, parents first.
func (t *Tx) Pending() ([]models.Record, error) {
	var out []models.Record
	for _, kind := range models.Kinds {
		err := scanRecords(t.ctx, t.tx, kind, "sync_pending = 1", nil, func(r models.Record) error {
			out = append(out, r)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Children returns the records that reference the given parent by local id.
func (t *Tx) Children(parentKind models.Kind, parentID uuid.UUID) ([]models.Record, error) {
	var out []models.Record
	for _, kind := range models.Kinds {
		err := t.Scan(kind, func(r models.Record) error {
			for _, ref := range r.Refs() {
				if ref.Kind == parentKind && ref.Key.ID == parentID {
					out = append(out, r)
					return nil
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get loads a record by local id outside of any transaction.
func (s *Store) Get(ctx context.Context, kind models.Kind, id uuid.UUID) (models.Record, error) {
	return getRecord(ctx, s.db, kind, "id = ?", id.String())
}

// GetByRemoteID loads a record by server id outside of any transaction.
func (s *Store) GetByRemoteID(ctx context.Context, kind models.Kind, remoteID int64) (models.Record, error) {
	return getRecord(ctx, s.db, kind, "remote_id = ?", remoteID)
}

func getRecord(ctx context.Context, q querier, kind models.Kind, where string, arg any) (models.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownKind, kind)
	}
	var body string
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE %s`, tableName(kind), where), arg).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	return models.DecodeRecord(kind, []byte(body))
}

func scanRecords(ctx context.Context, q querier, kind models.Kind, where string, args []any, fn func(models.Record) error) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownKind, kind)
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE %s ORDER BY rowid`, tableName(kind), where), args...)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	// Collect first so fn may issue further queries on the same connection.
	var bodies []string
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", kind, err)
		}
		bodies = append(bodies, body)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s rows: %w", kind, err)
	}
	rows.Close()

	for _, body := range bodies {
		r, err := models.DecodeRecord(kind, []byte(body))
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
