// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remotetest provides an in-memory remote.Client for tests and demos.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote"
)

// ErrOffline is the cause reported while the fake is offline.
var ErrOffline = errors.New("remote unreachable")

// Op names a remote operation for counters and hooks.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

type entry struct {
	record    models.Record
	changedAt time.Time
}

// Server is an idempotent in-memory server. Creates are keyed by the client-generated
// record id, so resending a create returns the stored version instead of a duplicate.
type Server struct {
	// Now stamps server-side change times; defaults to time.Now.
	Now func() time.Time
	// Hook runs before every operation with the server lock held; a non-nil error fails the call.
	Hook func(op Op, r models.Record) error

	mu       sync.Mutex
	nextID   int64
	records  map[int64]*entry
	byClient map[uuid.UUID]int64
	offline  bool
	failNext int
	failErr  error
	rejected map[uuid.UUID]error
	calls    map[Op]int
}

// New returns an empty, online server.
func New() *Server {
	return &Server{
		Now:      time.Now,
		records:  make(map[int64]*entry),
		byClient: make(map[uuid.UUID]int64),
		rejected: make(map[uuid.UUID]error),
		calls:    make(map[Op]int),
	}
}

var _ remote.Client = (*Server)(nil)
var _ remote.ChangeFeed = (*Server)(nil)

// SetOffline makes every call fail with a network error while on is true.
func (s *Server) SetOffline(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = on
}

// FailNext makes the next n calls fail with err, or a 503 server error when err is nil.
func (s *Server) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// Reject makes writes of the record with the given local id fail with a 422 rejection.
func (s *Server) Reject(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[id] = remote.StatusError("write", 422, fmt.Errorf("record %s rejected", id))
}

// Accept clears a rejection set by Reject.
func (s *Server) Accept(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rejected, id)
}

// Calls returns how many times op was attempted, failed attempts included.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Seed stores records as if another device created them, assigning remote ids.
func (s *Server) Seed(records ...models.Record) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		out = append(out, s.store(r.Clone()))
	}
	return out
}

// Get returns the server version of the record with the given local id.
func (s *Server) Get(id uuid.UUID) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rid, ok := s.byClient[id]
	if !ok {
		return nil, false
	}
	return s.records[rid].record.Clone(), true
}

// Count returns the number of live (not deleted) records of kind.
func (s *Server) Count(kind models.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.records {
		if e.record.Kind() == kind && !e.record.Common().IsDeleted() {
			n++
		}
	}
	return n
}

func (s *Server) Create(ctx context.Context, r models.Record) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpCreate, r); err != nil {
		return nil, err
	}
	if rid, ok := s.byClient[r.Common().ID]; ok {
		return s.records[rid].record.Clone(), nil
	}
	return s.store(r.Clone()).Clone(), nil
}

func (s *Server) Update(ctx context.Context, r models.Record) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpUpdate, r); err != nil {
		return nil, err
	}
	e, err := s.lookup("update", r)
	if err != nil {
		return nil, err
	}
	next := r.Clone()
	next.Common().SyncPending = false
	e.record = next
	e.changedAt = s.Now().UTC()
	return next.Clone(), nil
}

func (s *Server) Delete(ctx context.Context, r models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpDelete, r); err != nil {
		return err
	}
	e, err := s.lookup("delete", r)
	if err != nil {
		return err
	}
	now := s.Now().UTC()
	next := e.record.Clone()
	c := next.Common()
	c.DeletedAt = &now
	c.ModifiedAt = now
	c.SyncPending = false
	e.record = next
	e.changedAt = now
	return nil
}

func (s *Server) List(ctx context.Context, since time.Time, windowDays int) ([]models.Record, error) {
	changes, err := s.ListChanges(ctx, since, windowDays)
	return changes.Records, err
}

// ListChanges is List that also reports the fake server clock.
func (s *Server) ListChanges(ctx context.Context, since time.Time, windowDays int) (remote.Changes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpList, nil); err != nil {
		return remote.Changes{}, err
	}
	now := s.Now().UTC()
	from := since
	if windowDays > 0 {
		if floor := now.AddDate(0, 0, -windowDays); floor.After(from) {
			from = floor
		}
	}
	matched := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		if e.changedAt.After(from) || (!since.IsZero() && e.changedAt.Equal(from)) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].changedAt.Equal(matched[j].changedAt) {
			return matched[i].changedAt.Before(matched[j].changedAt)
		}
		return *matched[i].record.Common().RemoteID < *matched[j].record.Common().RemoteID
	})
	out := make([]models.Record, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.record.Clone())
	}
	return remote.Changes{Records: out, ServerTime: now}, nil
}

func (s *Server) begin(ctx context.Context, op Op, r models.Record) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return remote.NetworkError(string(op), err)
	}
	if s.offline {
		return remote.NetworkError(string(op), ErrOffline)
	}
	if s.failNext > 0 {
		s.failNext--
		if s.failErr != nil {
			return s.failErr
		}
		return remote.StatusError(string(op), 503, errors.New("injected failure"))
	}
	if r != nil && op != OpDelete {
		if err, ok := s.rejected[r.Common().ID]; ok {
			return err
		}
	}
	if s.Hook != nil {
		return s.Hook(op, r)
	}
	return nil
}

func (s *Server) lookup(op string, r models.Record) (*entry, error) {
	c := r.Common()
	if c.RemoteID == nil {
		return nil, remote.StatusError(op, 400, fmt.Errorf("%s %s has no remote id", r.Kind(), c.ID))
	}
	e, ok := s.records[*c.RemoteID]
	if !ok || e.record.Kind() != r.Kind() {
		return nil, remote.StatusError(op, 404, fmt.Errorf("%s %d not found", r.Kind(), *c.RemoteID))
	}
	return e, nil
}

// store must be called with mu held.
func (s *Server) store(r models.Record) models.Record {
	s.nextID++
	c := r.Common()
	id := s.nextID
	c.RemoteID = &id
	c.SyncPending = false
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ModifiedAt.IsZero() {
		c.ModifiedAt = s.Now().UTC()
	}
	s.records[id] = &entry{record: r, changedAt: s.Now().UTC()}
	s.byClient[c.ID] = id
	return r
}
