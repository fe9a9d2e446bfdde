// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"time"
)

// Status is the externally visible sync state.
type Status struct {
	Syncing    bool
	Pending    int
	LastError  string
	LastSyncAt time.Time
}

// Status returns the current sync state.
func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Core) beginSync() {
	c.update(func(s *Status) { s.Syncing = true })
}

func (c *Core) finishSync(ctx context.Context, err error) {
	pending, perr := c.out.Pending(ctx)
	c.update(func(s *Status) {
		s.Syncing = false
		if perr == nil {
			s.Pending = pending
		}
		if err != nil {
			s.LastError = err.Error()
			return
		}
		s.LastError = ""
		s.LastSyncAt = time.Now().UTC()
	})
}

func (c *Core) refreshPending(ctx context.Context) {
	pending, err := c.out.Pending(ctx)
	if err != nil {
		return
	}
	c.update(func(s *Status) { s.Pending = pending })
}

func (c *Core) update(fn func(*Status)) {
	c.mu.Lock()
	prev := c.status
	fn(&c.status)
	next := c.status
	c.mu.Unlock()
	if next != prev {
		c.statuses.Publish(next)
	}
}
