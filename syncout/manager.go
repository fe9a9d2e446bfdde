// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncout delivers local changes to the server. A change is sent directly when
// nothing is waiting in the durable queue and queued otherwise; queued changes are sent
// oldest first and removed only after the server confirmed them.
package syncout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/internal/syncutil"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote"
)

// DefaultQueueID names the outgoing queue.
const DefaultQueueID = "sync_out"

// ErrUnresolvedReference is returned when a parent of the record has no remote id yet.
// It is retryable: the parent's own create is expected to complete first.
var ErrUnresolvedReference = errors.New("unresolved parent reference")

// Config holds the Sync-Out settings.
type Config struct {
	QueueID string
	// MaxRejections is how many server rejections a queued change survives before it is
	// moved to the dead-letter table.
	MaxRejections   int
	StageMetrics    syncutil.StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the default Sync-Out settings.
func DefaultConfig() *Config {
	return &Config{
		QueueID:       DefaultQueueID,
		MaxRejections: 5,
	}
}

// Report summarizes one Process or Drain run.
type Report struct {
	Sent         int
	Enqueued     int
	Collapsed    int
	Skipped      int
	DeadLettered int
}

func (r *Report) add(o Report) {
	r.Sent += o.Sent
	r.Enqueued += o.Enqueued
	r.Collapsed += o.Collapsed
	r.Skipped += o.Skipped
	r.DeadLettered += o.DeadLettered
}

// Manager is the Sync-Out manager. It is not safe for concurrent use; the dispatch
// pipeline is its only caller.
type Manager struct {
	db     *localstore.Store
	client remote.Client
	cfg    *Config
	logger *slog.Logger
	stages *syncutil.Stages

	// afterSend runs between a confirmed send and the local bookkeeping. Tests use it
	// to simulate a crash at that point.
	afterSend func(verb models.Verb, r models.Record) error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a manager sending through client. A nil cfg means DefaultConfig.
func New(db *localstore.Store, client remote.Client, cfg *Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.QueueID == "" {
		cfg.QueueID = DefaultQueueID
	}
	if cfg.MaxRejections <= 0 {
		cfg.MaxRejections = DefaultConfig().MaxRejections
	}
	m := &Manager{db: db, client: client, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.stages = &syncutil.Stages{
		Operation:  syncutil.OpSyncOut,
		Recorder:   cfg.StageMetrics,
		LogTimings: cfg.LogStageTimings,
		Logger:     m.logger,
	}
	return m
}

// QueueID returns the name of the outgoing queue.
func (m *Manager) QueueID() string { return m.cfg.QueueID }

// Pending returns the number of queued changes.
func (m *Manager) Pending(ctx context.Context) (int, error) {
	return m.db.QueueSize(ctx, m.cfg.QueueID)
}

// Process handles the messages produced by one action. Incoming messages are ignored.
// Retryable failures are absorbed into the queue and reported as the returned error.
func (m *Manager) Process(ctx context.Context, msgs []models.SyncMessage) (Report, error) {
	var report Report
	start := m.stages.Start()
	var lastErr error
	retryFailed := false

	for _, msg := range msgs {
		if msg.Direction != models.Outgoing || msg.Record == nil {
			continue
		}
		if msg.Verb == models.VerbDelete {
			collapsed, err := m.collapse(ctx, msg.Record)
			if err != nil {
				return report, err
			}
			if collapsed {
				report.Collapsed++
				continue
			}
		}

		size, err := m.db.QueueSize(ctx, m.cfg.QueueID)
		if err != nil {
			return report, err
		}
		if size > 0 {
			if err := m.enqueue(ctx, msg); err != nil {
				return report, err
			}
			report.Enqueued++
			continue
		}

		res, err := m.send(ctx, msg.Verb, msg.Record, 0)
		if err == nil {
			report.add(res)
			continue
		}
		lastErr = err
		if remote.IsRetryable(err) {
			retryFailed = true
		}
		m.logger.Info("Direct send failed, queueing change", "kind", msg.Record.Kind(), "id", msg.Record.Common().ID, "verb", msg.Verb, "error", err)
		if err := m.enqueue(ctx, msg); err != nil {
			return report, err
		}
		report.Enqueued++
	}

	if !retryFailed {
		drained, err := m.Drain(ctx)
		report.add(drained)
		if err != nil {
			lastErr = err
		}
	}
	m.stages.Observe(ctx, syncutil.StageTotal, start, len(msgs), 0, lastErr != nil)
	return report, lastErr
}

// Drain sends queued changes oldest first until the queue is empty or a send fails.
// A rejected change stops the drain until it has been rejected MaxRejections times;
// it is then dead-lettered and draining continues.
func (m *Manager) Drain(ctx context.Context) (Report, error) {
	var report Report
	start := m.stages.Start()
	var err error
	defer func() { m.stages.Observe(ctx, syncutil.StageDrain, start, report.Sent, 0, err != nil) }()

	for {
		if err = ctx.Err(); err != nil {
			return report, err
		}
		var item localstore.QueueItem
		var ok bool
		item, ok, err = m.db.TryPeek(ctx, m.cfg.QueueID)
		if err != nil || !ok {
			return report, err
		}

		verb, rec, decodeErr := models.DecodeEnvelope(item.Payload)
		if decodeErr != nil {
			m.logger.Warn("Dead-lettering undecodable queue item", "queue", m.cfg.QueueID, "seq", item.Seq, "error", decodeErr)
			if err = m.deadLetter(ctx, item, decodeErr.Error()); err != nil {
				return report, err
			}
			report.DeadLettered++
			continue
		}

		var res Report
		res, err = m.send(ctx, verb, rec, item.Seq)
		if err == nil {
			report.add(res)
			continue
		}
		// An unresolved parent at the head of the queue cannot be fixed by waiting:
		// parents are queued ahead of their children.
		if remote.IsRetryable(err) && !errors.Is(err, ErrUnresolvedReference) {
			m.logger.Debug("Drain stopped on retryable failure", "kind", rec.Kind(), "id", rec.Common().ID, "verb", verb, "error", err)
			return report, err
		}

		dead, bumpErr := m.reject(ctx, item, rec, verb, err)
		if bumpErr != nil {
			err = bumpErr
			return report, err
		}
		if !dead {
			return report, err
		}
		report.DeadLettered++
		err = nil
	}
}

// reject counts a server rejection against item and dead-letters it at the limit.
func (m *Manager) reject(ctx context.Context, item localstore.QueueItem, rec models.Record, verb models.Verb, cause error) (bool, error) {
	dead := false
	_, err := m.db.Update(ctx, func(tx *localstore.Tx) error {
		attempts, err := tx.BumpAttempts(m.cfg.QueueID, item.Seq, cause.Error())
		if err != nil {
			return err
		}
		if attempts < m.cfg.MaxRejections {
			m.logger.Info("Change rejected by server", "kind", rec.Kind(), "id", rec.Common().ID, "verb", verb, "attempts", attempts, "error", cause)
			return nil
		}
		item.Attempts = attempts
		if err := tx.DeadLetter(m.cfg.QueueID, item, cause.Error()); err != nil {
			return err
		}
		dead = true
		m.logger.Warn("Change dead-lettered after repeated rejections", "kind", rec.Kind(), "id", rec.Common().ID, "verb", verb, "attempts", attempts, "error", cause)
		return nil
	})
	return dead, err
}

func (m *Manager) deadLetter(ctx context.Context, item localstore.QueueItem, reason string) error {
	_, err := m.db.Update(ctx, func(tx *localstore.Tx) error {
		return tx.DeadLetter(m.cfg.QueueID, item, reason)
	})
	return err
}

func (m *Manager) enqueue(ctx context.Context, msg models.SyncMessage) error {
	start := m.stages.Start()
	payload, err := models.EncodeEnvelope(msg.Verb, msg.Record)
	if err != nil {
		return err
	}
	_, err = m.db.Enqueue(ctx, m.cfg.QueueID, payload)
	m.stages.Observe(ctx, syncutil.StageEnqueue, start, 1, 0, err != nil)
	return err
}

// queuedIDs maps record ids to the queue items that carry them.
func queuedIDs(items []localstore.QueueItem) map[uuid.UUID][]queued {
	out := make(map[uuid.UUID][]queued, len(items))
	for _, item := range items {
		verb, rec, err := models.DecodeEnvelope(item.Payload)
		if err != nil {
			continue
		}
		id := rec.Common().ID
		out[id] = append(out[id], queued{seq: item.Seq, verb: verb})
	}
	return out
}

type queued struct {
	seq  int64
	verb models.Verb
}

// collapse resolves a delete against the queue. When the record's create is still
// queued, every queued change for it is dropped and the tombstone purged without any
// remote call. Children whose own create is still queued reference a parent the
// server never saw, so they are purged the same way. Otherwise queued updates are
// dropped since the delete supersedes them.
func (m *Manager) collapse(ctx context.Context, r models.Record) (bool, error) {
	purged := 0
	_, err := m.db.Update(ctx, func(tx *localstore.Tx) error {
		items, err := tx.QueueItems(m.cfg.QueueID)
		if err != nil {
			return err
		}
		queue := queuedIDs(items)
		entries := queue[r.Common().ID]
		if hasCreate(entries) {
			purged, err = m.purgeUnsent(tx, queue, r.Kind(), r.Common().ID)
			return err
		}
		for _, e := range entries {
			if e.verb == models.VerbUpdate {
				if _, err := tx.RemoveQueueItem(m.cfg.QueueID, e.seq); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to collapse delete of %s %s: %w", r.Kind(), r.Common().ID, err)
	}
	if purged > 0 {
		m.logger.Debug("Delete collapsed with queued create", "kind", r.Kind(), "id", r.Common().ID, "children", purged-1)
	}
	return purged > 0, nil
}

// purgeUnsent removes every queued change of a record that never reached the server
// and deletes it locally, then recurses into children queued the same way. It
// returns the number of records purged.
func (m *Manager) purgeUnsent(tx *localstore.Tx, queue map[uuid.UUID][]queued, kind models.Kind, id uuid.UUID) (int, error) {
	for _, e := range queue[id] {
		if _, err := tx.RemoveQueueItem(m.cfg.QueueID, e.seq); err != nil {
			return 0, err
		}
	}
	delete(queue, id)

	stored, err := tx.Get(kind, id)
	switch {
	case errors.Is(err, localstore.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if err := tx.Delete(stored); err != nil {
			return 0, err
		}
	}

	children, err := tx.Children(kind, id)
	if err != nil {
		return 0, err
	}
	purged := 1
	for _, child := range children {
		cc := child.Common()
		if cc.RemoteID != nil || !hasCreate(queue[cc.ID]) {
			continue
		}
		n, err := m.purgeUnsent(tx, queue, child.Kind(), cc.ID)
		if err != nil {
			return 0, err
		}
		purged += n
	}
	return purged, nil
}

func hasCreate(entries []queued) bool {
	for _, e := range entries {
		if e.verb == models.VerbCreate {
			return true
		}
	}
	return false
}

// Recover queues every record with pending changes that the queue does not represent,
// e.g. after a crash during a direct send. Dead-lettered records are left alone.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	start := m.stages.Start()
	dead, err := m.db.DeadLetters(ctx, m.cfg.QueueID)
	if err != nil {
		return 0, err
	}
	deadIDs := make(map[uuid.UUID]bool, len(dead))
	for _, d := range dead {
		if _, rec, err := models.DecodeEnvelope(d.Payload); err == nil {
			deadIDs[rec.Common().ID] = true
		}
	}

	n := 0
	_, err = m.db.Update(ctx, func(tx *localstore.Tx) error {
		n = 0
		items, err := tx.QueueItems(m.cfg.QueueID)
		if err != nil {
			return err
		}
		inQueue := queuedIDs(items)
		pending, err := tx.Pending()
		if err != nil {
			return err
		}
		for _, r := range pending {
			c := r.Common()
			if len(inQueue[c.ID]) > 0 || deadIDs[c.ID] {
				continue
			}
			verb := models.VerbUpdate
			switch {
			case c.IsDeleted():
				verb = models.VerbDelete
			case c.RemoteID == nil:
				verb = models.VerbCreate
			}
			payload, err := models.EncodeEnvelope(verb, r)
			if err != nil {
				return err
			}
			if _, err := tx.Enqueue(m.cfg.QueueID, payload); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	m.stages.Observe(ctx, syncutil.StageRecover, start, n, 0, err != nil)
	if err != nil {
		return 0, fmt.Errorf("failed to recover pending changes: %w", err)
	}
	if n > 0 {
		m.logger.Info("Recovered pending changes into queue", "queue", m.cfg.QueueID, "count", n)
	}
	return n, nil
}
