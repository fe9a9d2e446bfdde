// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
)

// Action is the closed set of operations accepted by Store.Handle.
type Action interface {
	isAction()
}

// TimeEntryPut creates or edits a time entry.
type TimeEntryPut struct{ Entry *models.TimeEntry }

// TimeEntryStart starts tracking Entry, stopping any running entry of the same user.
// A zero Start means now.
type TimeEntryStart struct{ Entry *models.TimeEntry }

// TimeEntryStop stops a running entry at At, or now when At is zero.
type TimeEntryStop struct {
	ID uuid.UUID
	At time.Time
}

// TimeEntryDelete soft-deletes a time entry.
type TimeEntryDelete struct{ ID uuid.UUID }

// TimeEntriesLoad reads a page of entries started before Before (zero means no bound),
// newest first.
type TimeEntriesLoad struct {
	Before time.Time
	Limit  int
}

// EmptyQueueAndSync asks for a drain of the outgoing queue and a download.
type EmptyQueueAndSync struct{}

// QueueDrain asks for a drain of the outgoing queue only.
type QueueDrain struct{}

type ProjectPut struct{ Project *models.Project }

type TagPut struct{ Tag *models.Tag }

type WorkspacePut struct{ Workspace *models.Workspace }

type UserPut struct{ User *models.User }

// RecordDelete soft-deletes a record of any kind.
type RecordDelete struct {
	Kind models.Kind
	ID   uuid.UUID
}

// ServerRecordsReceived merges a batch downloaded from the server.
type ServerRecordsReceived struct{ Records []models.Record }

func (TimeEntryPut) isAction()          {}
func (TimeEntryStart) isAction()        {}
func (TimeEntryStop) isAction()         {}
func (TimeEntryDelete) isAction()       {}
func (TimeEntriesLoad) isAction()       {}
func (EmptyQueueAndSync) isAction()     {}
func (QueueDrain) isAction()            {}
func (ProjectPut) isAction()            {}
func (TagPut) isAction()                {}
func (WorkspacePut) isAction()          {}
func (UserPut) isAction()               {}
func (RecordDelete) isAction()          {}
func (ServerRecordsReceived) isAction() {}

// Result is what a handled action produced.
type Result struct {
	// Messages lists the externally visible changes, outgoing ones to be synced.
	Messages []models.SyncMessage
	// Records carries data read by load actions and the stored versions of written records.
	Records []models.Record
	Changes []localstore.Change
	// RequestDrain and RequestSyncIn ask the sync managers to run now.
	RequestDrain  bool
	RequestSyncIn bool
}

// Outgoing returns the messages that must be delivered to the server.
func (r Result) Outgoing() []models.SyncMessage {
	var out []models.SyncMessage
	for _, m := range r.Messages {
		if m.Direction == models.Outgoing {
			out = append(out, m)
		}
	}
	return out
}
