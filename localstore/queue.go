// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var queueIDPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// QueueItem is one durable FIFO entry.
type QueueItem struct {
	Seq        int64
	Payload    []byte
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// DeadLetter is a queue item that was given up on.
type DeadLetter struct {
	ID       int64
	QueueID  string
	Payload  []byte
	Attempts int
	Reason   string
	FailedAt time.Time
}

func queueTable(queueID string) (string, error) {
	if !queueIDPattern.MatchString(queueID) {
		return "", fmt.Errorf("invalid queue id %q", queueID)
	}
	return "_queue_" + queueID, nil
}

// ensureQueue creates the queue table on first use.
func ensureQueue(ctx context.Context, q querier, queueID string) (string, error) {
	table, err := queueTable(queueID)
	if err != nil {
		return "", err
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		payload     BLOB NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT ''
	)`, table))
	if err != nil {
		return "", fmt.Errorf("failed to create queue %s: %w", queueID, err)
	}
	return table, nil
}

func enqueue(ctx context.Context, q querier, queueID string, payload []byte) (int64, error) {
	table, err := ensureQueue(ctx, q, queueID)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (payload, enqueued_at) VALUES (?, ?)`, table),
		payload, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue into %s: %w", queueID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue sequence: %w", err)
	}
	return seq, nil
}

func scanQueueItem(scan func(dest ...any) error) (QueueItem, error) {
	var item QueueItem
	var enqueuedAt string
	if err := scan(&item.Seq, &item.Payload, &enqueuedAt, &item.Attempts, &item.LastError); err != nil {
		return QueueItem{}, err
	}
	t, err := parseTime(enqueuedAt)
	if err != nil {
		return QueueItem{}, err
	}
	item.EnqueuedAt = t
	return item, nil
}

func peek(ctx context.Context, q querier, queueID string) (QueueItem, bool, error) {
	table, err := ensureQueue(ctx, q, queueID)
	if err != nil {
		return QueueItem{}, false, err
	}
	row := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT seq, payload, enqueued_at, attempts, last_error FROM %s ORDER BY seq LIMIT 1`, table))
	item, err := scanQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, false, nil
	}
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("failed to peek %s: %w", queueID, err)
	}
	return item, true, nil
}

func dequeue(ctx context.Context, q querier, queueID string) (QueueItem, bool, error) {
	item, ok, err := peek(ctx, q, queueID)
	if err != nil || !ok {
		return item, ok, err
	}
	if _, err := removeItem(ctx, q, queueID, item.Seq); err != nil {
		return QueueItem{}, false, err
	}
	return item, true, nil
}

func queueSize(ctx context.Context, q querier, queueID string) (int, error) {
	table, err := ensureQueue(ctx, q, queueID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", queueID, err)
	}
	return n, nil
}

func queueItems(ctx context.Context, q querier, queueID string) ([]QueueItem, error) {
	table, err := ensureQueue(ctx, q, queueID)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT seq, payload, enqueued_at, attempts, last_error FROM %s ORDER BY seq`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", queueID, err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s item: %w", queueID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", queueID, err)
	}
	return items, nil
}

func removeItem(ctx context.Context, q querier, queueID string, seq int64) (bool, error) {
	table, err := ensureQueue(ctx, q, queueID)
	if err != nil {
		return false, err
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE seq = ?`, table), seq)
	if err != nil {
		return false, fmt.Errorf("failed to remove item %d from %s: %w", seq, queueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func bumpAttempts(ctx context.Context, q querier, queueID string, seq int64, lastErr string) (int, error) {
	table, err := ensureQueue(ctx, q, queueID)
	if err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET attempts = attempts + 1, last_error = ? WHERE seq = ?`, table), lastErr, seq); err != nil {
		return 0, fmt.Errorf("failed to record attempt for item %d in %s: %w", seq, queueID, err)
	}
	var attempts int
	err = q.QueryRowContext(ctx, fmt.Sprintf(`SELECT attempts FROM %s WHERE seq = ?`, table), seq).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("queue item %d not found in %s", seq, queueID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts for item %d in %s: %w", seq, queueID, err)
	}
	return attempts, nil
}

func deadLetter(ctx context.Context, q querier, queueID string, item QueueItem, reason string) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO _sync_dead_letter (queue_id, payload, attempts, reason, failed_at)
		VALUES (?, ?, ?, ?, ?)`, queueID, item.Payload, item.Attempts, reason, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to dead-letter item %d from %s: %w", item.Seq, queueID, err)
	}
	if _, err := removeItem(ctx, q, queueID, item.Seq); err != nil {
		return err
	}
	return nil
}

// Enqueue appends payload to the queue and returns its sequence number.
func (s *Store) Enqueue(ctx context.Context, queueID string, payload []byte) (int64, error) {
	return enqueue(ctx, s.db, queueID, payload)
}

// TryPeek returns the oldest item without removing it.
func (s *Store) TryPeek(ctx context.Context, queueID string) (QueueItem, bool, error) {
	return peek(ctx, s.db, queueID)
}

// TryDequeue removes and returns the oldest item.
func (s *Store) TryDequeue(ctx context.Context, queueID string) (QueueItem, bool, error) {
	var (
		item QueueItem
		ok   bool
	)
	_, err := s.Update(ctx, func(tx *Tx) error {
		var err error
		item, ok, err = tx.TryDequeue(queueID)
		return err
	})
	return item, ok, err
}

// QueueSize returns the number of items in the queue.
func (s *Store) QueueSize(ctx context.Context, queueID string) (int, error) {
	return queueSize(ctx, s.db, queueID)
}

// QueueItems returns every item in FIFO order.
func (s *Store) QueueItems(ctx context.Context, queueID string) ([]QueueItem, error) {
	return queueItems(ctx, s.db, queueID)
}

// DeadLetters returns the items given up on for a queue, oldest first.
func (s *Store) DeadLetters(ctx context.Context, queueID string) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue_id, payload, attempts, reason, failed_at
		FROM _sync_dead_letter WHERE queue_id = ? ORDER BY id`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var failedAt string
		if err := rows.Scan(&dl.ID, &dl.QueueID, &dl.Payload, &dl.Attempts, &dl.Reason, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if dl.FailedAt, err = parseTime(failedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, nil
}

// Enqueue appends payload to the queue inside the transaction.
func (t *Tx) Enqueue(queueID string, payload []byte) (int64, error) {
	return enqueue(t.ctx, t.tx, queueID, payload)
}

// TryPeek returns the oldest item without removing it.
func (t *Tx) TryPeek(queueID string) (QueueItem, bool, error) {
	return peek(t.ctx, t.tx, queueID)
}

// TryDequeue removes and returns the oldest item.
func (t *Tx) TryDequeue(queueID string) (QueueItem, bool, error) {
	return dequeue(t.ctx, t.tx, queueID)
}

// QueueSize returns the number of items in the queue.
func (t *Tx) QueueSize(queueID string) (int, error) {
	return queueSize(t.ctx, t.tx, queueID)
}

// QueueItems returns every item in FIFO order.
func (t *Tx) QueueItems(queueID string) ([]QueueItem, error) {
	return queueItems(t.ctx, t.tx, queueID)
}

// RemoveQueueItem deletes one item regardless of its position.
func (t *Tx) RemoveQueueItem(queueID string, seq int64) (bool, error) {
	return removeItem(t.ctx, t.tx, queueID, seq)
}

// BumpAttempts records a failed delivery attempt and returns the new attempt count.
func (t *Tx) BumpAttempts(queueID string, seq int64, lastErr string) (int, error) {
	return bumpAttempts(t.ctx, t.tx, queueID, seq, lastErr)
}

// DeadLetter moves an item out of the queue into the dead-letter table.
func (t *Tx) DeadLetter(queueID string, item QueueItem, reason string) error {
	return deadLetter(t.ctx, t.tx, queueID, item, reason)
}
