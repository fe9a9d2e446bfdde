// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"strings"
	"time"
)

// Workspace groups projects, tags and time entries.
type Workspace struct {
	CommonRecord
	Name      string `json:"name"`
	IsPremium bool   `json:"is_premium"`
	IsAdmin   bool   `json:"is_admin"`
}

func (w *Workspace) Kind() Kind  { return KindWorkspace }
func (w *Workspace) Refs() []Ref { return nil }
func (w *Workspace) Clone() Record {
	c := *w
	c.CommonRecord = w.CommonRecord.clone()
	return &c
}

func (w *Workspace) validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: workspace %s has no name", ErrInvalidRecord, w.ID)
	}
	return nil
}

// User is the signed-in account.
type User struct {
	CommonRecord
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Timezone         string     `json:"timezone,omitempty"`
	DefaultWorkspace ForeignKey `json:"default_workspace"`
}

func (u *User) Kind() Kind { return KindUser }

func (u *User) Refs() []Ref {
	if u.DefaultWorkspace.IsZero() {
		return nil
	}
	return []Ref{{Kind: KindWorkspace, Key: &u.DefaultWorkspace}}
}

func (u *User) Clone() Record {
	c := *u
	c.CommonRecord = u.CommonRecord.clone()
	c.DefaultWorkspace = u.DefaultWorkspace.clone()
	return &c
}

func (u *User) validate() error {
	if !strings.Contains(u.Email, "@") {
		return fmt.Errorf("%w: user %s has invalid email %q", ErrInvalidRecord, u.ID, u.Email)
	}
	return nil
}

// Project belongs to a workspace.
type Project struct {
	CommonRecord
	Workspace  ForeignKey `json:"workspace"`
	Name       string     `json:"name"`
	Color      string     `json:"color,omitempty"`
	IsActive   bool       `json:"is_active"`
	IsBillable bool       `json:"is_billable"`
}

func (p *Project) Kind() Kind  { return KindProject }
func (p *Project) Refs() []Ref { return []Ref{{Kind: KindWorkspace, Key: &p.Workspace}} }

func (p *Project) Clone() Record {
	c := *p
	c.CommonRecord = p.CommonRecord.clone()
	c.Workspace = p.Workspace.clone()
	return &c
}

func (p *Project) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: project %s has no name", ErrInvalidRecord, p.ID)
	}
	if p.Workspace.IsZero() {
		return fmt.Errorf("%w: project %s has no workspace", ErrInvalidRecord, p.ID)
	}
	return nil
}

// Tag belongs to a workspace; time entries reference tags by name.
type Tag struct {
	CommonRecord
	Workspace ForeignKey `json:"workspace"`
	Name      string     `json:"name"`
}

func (t *Tag) Kind() Kind  { return KindTag }
func (t *Tag) Refs() []Ref { return []Ref{{Kind: KindWorkspace, Key: &t.Workspace}} }

func (t *Tag) Clone() Record {
	c := *t
	c.CommonRecord = t.CommonRecord.clone()
	c.Workspace = t.Workspace.clone()
	return &c
}

func (t *Tag) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: tag %s has no name", ErrInvalidRecord, t.ID)
	}
	if t.Workspace.IsZero() {
		return fmt.Errorf("%w: tag %s has no workspace", ErrInvalidRecord, t.ID)
	}
	return nil
}

// TimeEntryState is the lifecycle position of a time entry.
type TimeEntryState int

const (
	StateNew TimeEntryState = iota
	StateRunning
	StateFinished
	StateDeleted
)

func (s TimeEntryState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TimeEntry is a tracked interval of work.
type TimeEntry struct {
	CommonRecord
	Workspace    ForeignKey  `json:"workspace"`
	Project      *ForeignKey `json:"project,omitempty"`
	User         ForeignKey  `json:"user"`
	Description  string      `json:"description"`
	Start        time.Time   `json:"start"`
	Stop         *time.Time  `json:"stop,omitempty"`
	Billable     bool        `json:"billable"`
	DurationOnly bool        `json:"duration_only"`
	Tags         []string    `json:"tags,omitempty"`
	CreatedWith  string      `json:"created_with,omitempty"`
}

func (t *TimeEntry) Kind() Kind { return KindTimeEntry }

func (t *TimeEntry) Refs() []Ref {
	refs := []Ref{
		{Kind: KindWorkspace, Key: &t.Workspace},
		{Kind: KindUser, Key: &t.User},
	}
	if t.Project != nil && !t.Project.IsZero() {
		refs = append(refs, Ref{Kind: KindProject, Key: t.Project})
	}
	return refs
}

func (t *TimeEntry) Clone() Record {
	c := *t
	c.CommonRecord = t.CommonRecord.clone()
	c.Workspace = t.Workspace.clone()
	c.User = t.User.clone()
	if t.Project != nil {
		p := t.Project.clone()
		c.Project = &p
	}
	c.Stop = cloneTime(t.Stop)
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	return &c
}

// State derives the lifecycle state from the entry fields.
func (t *TimeEntry) State() TimeEntryState {
	switch {
	case t.DeletedAt != nil:
		return StateDeleted
	case t.Start.IsZero():
		return StateNew
	case t.Stop == nil:
		return StateRunning
	default:
		return StateFinished
	}
}

// IsRunning reports whether the entry is currently tracking time.
func (t *TimeEntry) IsRunning() bool { return t.State() == StateRunning }

// Duration returns the tracked time, measuring running entries against now.
func (t *TimeEntry) Duration(now time.Time) time.Duration {
	if t.Start.IsZero() {
		return 0
	}
	end := now
	if t.Stop != nil {
		end = *t.Stop
	}
	if end.Before(t.Start) {
		return 0
	}
	return end.Sub(t.Start)
}

func (t *TimeEntry) validate() error {
	if t.Workspace.IsZero() {
		return fmt.Errorf("%w: time entry %s has no workspace", ErrInvalidRecord, t.ID)
	}
	if t.User.IsZero() {
		return fmt.Errorf("%w: time entry %s has no user", ErrInvalidRecord, t.ID)
	}
	if t.Stop != nil {
		if t.Start.IsZero() {
			return fmt.Errorf("%w: time entry %s stopped without start", ErrInvalidRecord, t.ID)
		}
		if t.Stop.Before(t.Start) {
			return fmt.Errorf("%w: time entry %s stops before it starts", ErrInvalidRecord, t.ID)
		}
	}
	return nil
}
