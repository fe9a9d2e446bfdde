// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package store holds the reducers run by the dispatch pipeline. Every write goes
// through exactly one localstore transaction and reports the sync messages it produced.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/dispatch"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
)

var (
	// ErrAlreadyRunning is returned when starting an entry that is already running.
	ErrAlreadyRunning = errors.New("time entry already running")
	// ErrNotRunning is returned when stopping an entry that is not running.
	ErrNotRunning = errors.New("time entry not running")
	// ErrRecordDeleted is returned when editing a record that was deleted.
	ErrRecordDeleted = errors.New("record is deleted")
)

// Store applies actions to the local store.
type Store struct {
	db     *localstore.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates reducers over db.
func New(db *localstore.Store, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying local store.
func (s *Store) DB() *localstore.Store { return s.db }

// Handle applies one action. It must only be called from the dispatch pipeline.
func (s *Store) Handle(ctx context.Context, a Action) (Result, error) {
	switch act := a.(type) {
	case nil:
		return Result{}, dispatch.ErrActionNotFound
	case TimeEntryPut:
		return s.putEntry(ctx, act.Entry)
	case TimeEntryStart:
		return s.start(ctx, act.Entry)
	case TimeEntryStop:
		return s.stop(ctx, act.ID, act.At)
	case TimeEntryDelete:
		return s.delete(ctx, models.KindTimeEntry, act.ID)
	case TimeEntriesLoad:
		return s.load(ctx, act)
	case EmptyQueueAndSync:
		return Result{RequestDrain: true, RequestSyncIn: true}, nil
	case QueueDrain:
		return Result{RequestDrain: true}, nil
	case ProjectPut:
		if act.Project == nil {
			return Result{}, fmt.Errorf("%w: nil project", models.ErrInvalidRecord)
		}
		return s.put(ctx, act.Project)
	case TagPut:
		if act.Tag == nil {
			return Result{}, fmt.Errorf("%w: nil tag", models.ErrInvalidRecord)
		}
		return s.put(ctx, act.Tag)
	case WorkspacePut:
		if act.Workspace == nil {
			return Result{}, fmt.Errorf("%w: nil workspace", models.ErrInvalidRecord)
		}
		return s.put(ctx, act.Workspace)
	case UserPut:
		if act.User == nil {
			return Result{}, fmt.Errorf("%w: nil user", models.ErrInvalidRecord)
		}
		return s.put(ctx, act.User)
	case RecordDelete:
		return s.delete(ctx, act.Kind, act.ID)
	case ServerRecordsReceived:
		return s.merge(ctx, act.Records)
	default:
		return Result{}, fmt.Errorf("%w: %T", dispatch.ErrActionNotFound, a)
	}
}

func (s *Store) put(ctx context.Context, r models.Record) (Result, error) {
	now := s.now().UTC()
	var msg models.SyncMessage
	changes, err := s.db.Update(ctx, func(tx *localstore.Tx) error {
		var err error
		msg, err = s.putTx(tx, r, now)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Debug("Record saved", "kind", msg.Record.Kind(), "id", msg.Record.Common().ID, "verb", msg.Verb)
	return Result{
		Messages: []models.SyncMessage{msg},
		Records:  []models.Record{msg.Record},
		Changes:  changes,
	}, nil
}

// putTx stores a local edit of r and returns the outgoing message for it. The verb is
// Create only for records the store has never seen.
func (s *Store) putTx(tx *localstore.Tx, r models.Record, now time.Time) (models.SyncMessage, error) {
	rec := r.Clone()
	c := rec.Common()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	verb := models.VerbCreate
	existing, err := tx.Get(rec.Kind(), c.ID)
	switch {
	case errors.Is(err, localstore.ErrNotFound):
	case err != nil:
		return models.SyncMessage{}, err
	default:
		ec := existing.Common()
		if ec.IsDeleted() {
			return models.SyncMessage{}, fmt.Errorf("%w: %s %s", ErrRecordDeleted, rec.Kind(), c.ID)
		}
		verb = models.VerbUpdate
		if ec.RemoteID != nil {
			id := *ec.RemoteID
			c.RemoteID = &id
		}
	}

	c.DeletedAt = nil
	c.Touch(now)
	if _, err := tx.ResolveRefs(rec); err != nil {
		return models.SyncMessage{}, err
	}
	if err := tx.Put(rec); err != nil {
		return models.SyncMessage{}, err
	}
	return models.OutgoingMessage(verb, rec.Clone()), nil
}

func (s *Store) start(ctx context.Context, entry *models.TimeEntry) (Result, error) {
	if entry == nil {
		return Result{}, fmt.Errorf("%w: nil time entry", models.ErrInvalidRecord)
	}
	now := s.now().UTC()
	e := entry.Clone().(*models.TimeEntry)
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Start.IsZero() {
		e.Start = now
	}
	e.Stop = nil

	var msgs []models.SyncMessage
	changes, err := s.db.Update(ctx, func(tx *localstore.Tx) error {
		msgs = nil
		existing, err := tx.Get(models.KindTimeEntry, e.ID)
		switch {
		case errors.Is(err, localstore.ErrNotFound):
		case err != nil:
			return err
		case existing.(*models.TimeEntry).IsRunning():
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, e.ID)
		}

		msgs, err = s.stopOthersTx(tx, e, now)
		if err != nil {
			return err
		}

		m, err := s.putTx(tx, e, now)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Debug("Time entry started", "id", e.ID, "stopped", len(msgs)-1)
	return Result{Messages: msgs, Records: messageRecords(msgs), Changes: changes}, nil
}

// putEntry stores an edit of a time entry. An edit that turns a stopped or new
// entry into a running one starts it: the user's other running entries are
// stopped in the same transaction.
func (s *Store) putEntry(ctx context.Context, entry *models.TimeEntry) (Result, error) {
	if entry == nil {
		return Result{}, fmt.Errorf("%w: nil time entry", models.ErrInvalidRecord)
	}
	if !entry.IsRunning() {
		return s.put(ctx, entry)
	}
	now := s.now().UTC()
	e := entry.Clone().(*models.TimeEntry)
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	var msgs []models.SyncMessage
	changes, err := s.db.Update(ctx, func(tx *localstore.Tx) error {
		msgs = nil
		existing, err := tx.Get(models.KindTimeEntry, e.ID)
		switch {
		case errors.Is(err, localstore.ErrNotFound):
		case err != nil:
			return err
		case existing.(*models.TimeEntry).IsRunning():
			m, err := s.putTx(tx, e, now)
			if err != nil {
				return err
			}
			msgs = []models.SyncMessage{m}
			return nil
		}

		msgs, err = s.stopOthersTx(tx, e, now)
		if err != nil {
			return err
		}
		m, err := s.putTx(tx, e, now)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Debug("Time entry saved", "id", e.ID, "running", true, "stopped", len(msgs)-1)
	return Result{Messages: msgs, Records: messageRecords(msgs), Changes: changes}, nil
}

// stopOthersTx stops every running entry of e's user other than e, at e's start
// but never before the other entry's own start.
func (s *Store) stopOthersTx(tx *localstore.Tx, e *models.TimeEntry, now time.Time) ([]models.SyncMessage, error) {
	var running []*models.TimeEntry
	err := tx.Scan(models.KindTimeEntry, func(r models.Record) error {
		te := r.(*models.TimeEntry)
		if te.ID != e.ID && te.IsRunning() && sameRef(te.User, e.User) {
			running = append(running, te)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	msgs := make([]models.SyncMessage, 0, len(running)+1)
	for _, other := range running {
		stopAt := e.Start
		if stopAt.Before(other.Start) {
			stopAt = other.Start
		}
		other.Stop = &stopAt
		m, err := s.putTx(tx, other, now)
		if err != nil {
			return nil, fmt.Errorf("failed to stop running entry %s: %w", other.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Store) stop(ctx context.Context, id uuid.UUID, at time.Time) (Result, error) {
	now := s.now().UTC()
	if at.IsZero() {
		at = now
	}
	at = at.UTC()
	var msg models.SyncMessage
	changes, err := s.db.Update(ctx, func(tx *localstore.Tx) error {
		r, err := tx.Get(models.KindTimeEntry, id)
		if err != nil {
			return err
		}
		te := r.(*models.TimeEntry)
		if !te.IsRunning() {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, te.State())
		}
		te.Stop = &at
		msg, err = s.putTx(tx, te, now)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Messages: []models.SyncMessage{msg}, Records: []models.Record{msg.Record}, Changes: changes}, nil
}

// delete turns a record into a pending tombstone. Deleting a tombstone again is a no-op.
func (s *Store) delete(ctx context.Context, kind models.Kind, id uuid.UUID) (Result, error) {
	now := s.now().UTC()
	var msgs []models.SyncMessage
	changes, err := s.db.Update(ctx, func(tx *localstore.Tx) error {
		msgs = nil
		r, err := tx.Get(kind, id)
		if err != nil {
			return err
		}
		if r.Common().IsDeleted() {
			return nil
		}
		r.Common().MarkDeleted(now)
		if err := tx.Put(r); err != nil {
			return err
		}
		msgs = append(msgs, models.OutgoingMessage(models.VerbDelete, r.Clone()))
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Messages: msgs, Records: messageRecords(msgs), Changes: changes}, nil
}

func (s *Store) load(ctx context.Context, act TimeEntriesLoad) (Result, error) {
	q := localstore.Table[*models.TimeEntry](s.db).
		OrderBy(func(a, b *models.TimeEntry) bool { return a.Start.After(b.Start) }).
		Take(act.Limit)
	if !act.Before.IsZero() {
		before := act.Before
		q = q.Where(func(e *models.TimeEntry) bool { return e.Start.Before(before) })
	}
	entries, err := q.All(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load time entries: %w", err)
	}
	records := make([]models.Record, len(entries))
	for i, e := range entries {
		records[i] = e
	}
	return Result{Records: records}, nil
}

func messageRecords(msgs []models.SyncMessage) []models.Record {
	out := make([]models.Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Record)
	}
	return out
}

func sameRef(a, b models.ForeignKey) bool {
	if a.ID != uuid.Nil && a.ID == b.ID {
		return true
	}
	return a.RemoteID != nil && b.RemoteID != nil && *a.RemoteID == *b.RemoteID
}
