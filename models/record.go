// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package models defines the synchronized domain records, the conflict ordering
// between two versions of the same record and the messages exchanged between the
// store reducers and the sync managers.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a record type. The set is closed.
type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindUser      Kind = "user"
	KindProject   Kind = "project"
	KindTag       Kind = "tag"
	KindTimeEntry Kind = "time_entry"
)

// Kinds lists every record kind, parents before children.
var Kinds = []Kind{KindWorkspace, KindUser, KindProject, KindTag, KindTimeEntry}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidRecord is returned when a record violates the common invariants.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrUnknownKind is returned when decoding or constructing an unsupported kind.
	ErrUnknownKind = errors.New("unknown record kind")
)

// CommonRecord carries identity and sync bookkeeping shared by all records.
type CommonRecord struct {
	ID          uuid.UUID  `json:"id"`
	RemoteID    *int64     `json:"remote_id,omitempty"`
	ModifiedAt  time.Time  `json:"modified_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	SyncPending bool       `json:"sync_pending"`
}

// Common returns the shared part of a record.
func (c *CommonRecord) Common() *CommonRecord { return c }

// IsDeleted reports whether the record is a tombstone.
func (c *CommonRecord) IsDeleted() bool { return c.DeletedAt != nil }

// HasRemoteID reports whether the server already knows this record.
func (c *CommonRecord) HasRemoteID() bool { return c.RemoteID != nil }

// Touch marks the record as locally modified at now.
func (c *CommonRecord) Touch(now time.Time) {
	c.ModifiedAt = now.UTC()
	c.SyncPending = true
}

// MarkDeleted turns the record into a pending tombstone.
func (c *CommonRecord) MarkDeleted(now time.Time) {
	at := now.UTC()
	c.DeletedAt = &at
	c.Touch(now)
}

// Validate checks the invariants every record must hold.
func (c *CommonRecord) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if c.RemoteID == nil && !c.SyncPending {
		return fmt.Errorf("%w: record %s has neither a remote id nor pending changes", ErrInvalidRecord, c.ID)
	}
	if c.ModifiedAt.IsZero() {
		return fmt.Errorf("%w: record %s has no modification time", ErrInvalidRecord, c.ID)
	}
	return nil
}

func (c CommonRecord) clone() CommonRecord {
	c.RemoteID = cloneInt64(c.RemoteID)
	c.DeletedAt = cloneTime(c.DeletedAt)
	return c
}

// ForeignKey references another record by local id and, once known, remote id.
type ForeignKey struct {
	ID       uuid.UUID `json:"id"`
	RemoteID *int64    `json:"remote_id,omitempty"`
}

// IsZero reports whether the key references nothing.
func (f ForeignKey) IsZero() bool { return f.ID == uuid.Nil && f.RemoteID == nil }

// KeyOf builds a foreign key pointing at r.
func KeyOf(r Record) ForeignKey {
	c := r.Common()
	return ForeignKey{ID: c.ID, RemoteID: cloneInt64(c.RemoteID)}
}

func (f ForeignKey) clone() ForeignKey {
	f.RemoteID = cloneInt64(f.RemoteID)
	return f
}

// Ref is a mutable view of one parent reference held by a record.
type Ref struct {
	Kind Kind
	Key  *ForeignKey
}

// Record is implemented by every synchronized entity.
type Record interface {
	Kind() Kind
	Common() *CommonRecord
	// Refs returns the parent references; mutating a Ref's Key mutates the record.
	Refs() []Ref
	Clone() Record
	validate() error
}

// Validate checks both the common and the kind-specific invariants.
func Validate(r Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if err := r.Common().Validate(); err != nil {
		return err
	}
	return r.validate()
}

// New returns an empty record of the given kind.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindWorkspace:
		return &Workspace{}, nil
	case KindUser:
		return &User{}, nil
	case KindProject:
		return &Project{}, nil
	case KindTag:
		return &Tag{}, nil
	case KindTimeEntry:
		return &TimeEntry{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Time returns a pointer to the UTC form of t.
func Time(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
