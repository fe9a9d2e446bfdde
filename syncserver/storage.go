// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/models"
)

// ErrNotFound is returned when a remote id does not name a stored record of the kind.
var ErrNotFound = errors.New("record not found")

// Storage persists records per user. Every returned record carries its remote id,
// the server's deleted_at and modified_at, and SyncPending=false.
type Storage interface {
	// Create stores r, or returns the existing version when the user already
	// created a record with the same client id.
	Create(ctx context.Context, userID string, r models.Record, now time.Time) (models.Record, error)
	// Update replaces the record named by r's remote id.
	Update(ctx context.Context, userID string, r models.Record, now time.Time) (models.Record, error)
	// Delete turns the record into a tombstone stamped at now.
	Delete(ctx context.Context, userID string, kind models.Kind, remoteID int64, now time.Time) error
	// Changes returns the records changed at or after from, oldest change first.
	Changes(ctx context.Context, userID string, from time.Time) ([]models.Record, error)
}

type memRecord struct {
	record    models.Record
	changedAt time.Time
}

type memUser struct {
	records  map[int64]*memRecord
	byClient map[uuid.UUID]int64
}

// MemoryStorage keeps records in process memory. Remote ids are unique across users.
type MemoryStorage struct {
	mu     sync.Mutex
	nextID int64
	users  map[string]*memUser
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{users: make(map[string]*memUser)}
}

var _ Storage = (*MemoryStorage)(nil)

func (m *MemoryStorage) user(userID string) *memUser {
	u, ok := m.users[userID]
	if !ok {
		u = &memUser{records: make(map[int64]*memRecord), byClient: make(map[uuid.UUID]int64)}
		m.users[userID] = u
	}
	return u
}

func (m *MemoryStorage) Create(ctx context.Context, userID string, r models.Record, now time.Time) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.user(userID)
	if rid, ok := u.byClient[r.Common().ID]; ok {
		return u.records[rid].record.Clone(), nil
	}
	m.nextID++
	id := m.nextID
	next := r.Clone()
	c := next.Common()
	c.RemoteID = &id
	c.SyncPending = false
	u.records[id] = &memRecord{record: next, changedAt: now.UTC()}
	u.byClient[c.ID] = id
	return next.Clone(), nil
}

func (m *MemoryStorage) Update(ctx context.Context, userID string, r models.Record, now time.Time) (models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rid := *r.Common().RemoteID
	e, ok := m.user(userID).records[rid]
	if !ok || e.record.Kind() != r.Kind() {
		return nil, ErrNotFound
	}
	next := r.Clone()
	c := next.Common()
	c.ID = e.record.Common().ID
	c.SyncPending = false
	e.record = next
	e.changedAt = now.UTC()
	return next.Clone(), nil
}

func (m *MemoryStorage) Delete(ctx context.Context, userID string, kind models.Kind, remoteID int64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.user(userID).records[remoteID]
	if !ok || e.record.Kind() != kind {
		return ErrNotFound
	}
	at := now.UTC()
	next := e.record.Clone()
	c := next.Common()
	c.DeletedAt = &at
	c.ModifiedAt = at
	e.record = next
	e.changedAt = at
	return nil
}

func (m *MemoryStorage) Changes(ctx context.Context, userID string, from time.Time) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.user(userID)
	matched := make([]*memRecord, 0, len(u.records))
	for _, e := range u.records {
		if !e.changedAt.Before(from) {
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
	return out, nil
}
