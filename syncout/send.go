// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncout

import (
	"context"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-timesync/internal/syncutil"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote"
)

// send delivers one change. seq is the queue item carrying it, or 0 for a direct send.
// The item is removed in the same transaction that records the server's answer.
func (m *Manager) send(ctx context.Context, verb models.Verb, r models.Record, seq int64) (Report, error) {
	rec := r.Clone()
	kind, id := rec.Kind(), rec.Common().ID

	var stored models.Record
	var unresolved []models.Ref
	_, err := m.db.Update(ctx, func(tx *localstore.Tx) error {
		s, err := tx.Get(kind, id)
		switch {
		case errors.Is(err, localstore.ErrNotFound):
		case err != nil:
			return err
		default:
			stored = s
			if rid := s.Common().RemoteID; rid != nil {
				v := *rid
				rec.Common().RemoteID = &v
			}
		}
		unresolved, err = tx.ResolveRefs(rec)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("failed to prepare %s of %s %s: %w", verb, kind, id, err)
	}

	if superseded(verb, stored) {
		if err := m.finish(ctx, seq, nil); err != nil {
			return Report{}, err
		}
		m.logger.Debug("Skipping superseded change", "kind", kind, "id", id, "verb", verb)
		return Report{Skipped: 1}, nil
	}

	c := rec.Common()
	if verb == models.VerbDelete && c.RemoteID == nil {
		// The server never learned about this record.
		if err := m.finish(ctx, seq, stored); err != nil {
			return Report{}, err
		}
		return Report{Collapsed: 1}, nil
	}
	if verb != models.VerbDelete && len(unresolved) > 0 {
		return Report{}, fmt.Errorf("%w: %s %s references %s without remote id", ErrUnresolvedReference, kind, id, unresolved[0].Kind)
	}
	if verb == models.VerbUpdate && c.RemoteID == nil {
		verb = models.VerbCreate
	}

	start := m.stages.Start()
	var out models.Record
	switch verb {
	case models.VerbCreate:
		out, err = m.client.Create(ctx, rec)
	case models.VerbUpdate:
		out, err = m.client.Update(ctx, rec)
	case models.VerbDelete:
		err = m.client.Delete(ctx, rec)
		if remote.IsNotFound(err) {
			err = nil
		}
	default:
		err = fmt.Errorf("unsupported verb %q", verb)
	}
	m.stages.Observe(ctx, syncutil.StageSend, start, 1, 0, err != nil)
	if err != nil {
		return Report{}, err
	}
	m.logger.Debug("Change delivered", "kind", kind, "id", id, "verb", verb)

	if m.afterSend != nil {
		if err := m.afterSend(verb, rec); err != nil {
			return Report{}, err
		}
	}
	if err := m.apply(ctx, verb, rec, out, seq); err != nil {
		return Report{}, err
	}
	return Report{Sent: 1}, nil
}

// superseded reports whether a change no longer needs delivery: the record is gone,
// or a later local or server version replaced the one carried by the change.
func superseded(verb models.Verb, stored models.Record) bool {
	if stored == nil {
		return true
	}
	c := stored.Common()
	if verb == models.VerbDelete {
		return !c.IsDeleted()
	}
	return !c.SyncPending || c.IsDeleted()
}

// finish drops the queue item and purges the record when given.
func (m *Manager) finish(ctx context.Context, seq int64, purge models.Record) error {
	if seq == 0 && purge == nil {
		return nil
	}
	_, err := m.db.Update(ctx, func(tx *localstore.Tx) error {
		if seq > 0 {
			if _, err := tx.RemoveQueueItem(m.cfg.QueueID, seq); err != nil {
				return err
			}
		}
		if purge != nil {
			return tx.Delete(purge)
		}
		return nil
	})
	return err
}

// apply records a confirmed change: deletes purge the tombstone; creates and updates
// store the remote id and clear the pending flag unless more changes are queued.
func (m *Manager) apply(ctx context.Context, verb models.Verb, rec, out models.Record, seq int64) error {
	start := m.stages.Start()
	kind, id := rec.Kind(), rec.Common().ID
	_, err := m.db.Update(ctx, func(tx *localstore.Tx) error {
		if seq > 0 {
			if _, err := tx.RemoveQueueItem(m.cfg.QueueID, seq); err != nil {
				return err
			}
		}
		stored, err := tx.Get(kind, id)
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if verb == models.VerbDelete {
			return tx.Delete(stored)
		}

		sc := stored.Common()
		if sc.RemoteID == nil && out != nil && out.Common().RemoteID != nil {
			v := *out.Common().RemoteID
			sc.RemoteID = &v
		}
		items, err := tx.QueueItems(m.cfg.QueueID)
		if err != nil {
			return err
		}
		if len(queuedIDs(items)[id]) == 0 && !sc.IsDeleted() && sc.RemoteID != nil {
			sc.SyncPending = false
		}
		if err := tx.Put(stored); err != nil {
			return err
		}
		_, err = tx.BackfillChildren(stored)
		return err
	})
	m.stages.Observe(ctx, syncutil.StageApply, start, 1, 0, err != nil)
	if err != nil {
		return fmt.Errorf("failed to apply %s of %s %s: %w", verb, kind, id, err)
	}
	return nil
}
