// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
)

// merge applies a server batch in one transaction. Parents are merged before children so
// that references inside the batch resolve. Any failure rolls the whole batch back.
func (s *Store) merge(ctx context.Context, records []models.Record) (Result, error) {
	batch := make([]models.Record, 0, len(records))
	for _, r := range records {
		if r == nil {
			return Result{}, fmt.Errorf("%w: nil record in server batch", models.ErrInvalidRecord)
		}
		batch = append(batch, r.Clone())
	}
	sort.SliceStable(batch, func(i, j int) bool { return kindRank(batch[i].Kind()) < kindRank(batch[j].Kind()) })

	var msgs []models.SyncMessage
	changes, err := s.db.Update(ctx, func(tx *localstore.Tx) error {
		msgs = nil
		for i, in := range batch {
			msg, applied, err := s.mergeOne(tx, in)
			if err != nil {
				return fmt.Errorf("failed to merge %s record %d of %d: %w", in.Kind(), i+1, len(batch), err)
			}
			if applied {
				msgs = append(msgs, msg)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Debug("Merged server records", "received", len(batch), "applied", len(msgs))
	return Result{Messages: msgs, Records: messageRecords(msgs), Changes: changes}, nil
}

func (s *Store) mergeOne(tx *localstore.Tx, in models.Record) (models.SyncMessage, bool, error) {
	ic := in.Common()
	if ic.RemoteID == nil {
		return models.SyncMessage{}, false, fmt.Errorf("%w: server %s %s has no remote id", models.ErrInvalidRecord, in.Kind(), ic.ID)
	}
	ic.SyncPending = false
	if _, err := tx.ResolveRefs(in); err != nil {
		return models.SyncMessage{}, false, err
	}

	local, err := tx.Find(in.Kind(), ic.ID, ic.RemoteID)
	if errors.Is(err, localstore.ErrNotFound) {
		if ic.IsDeleted() {
			return models.SyncMessage{}, false, nil
		}
		if ic.ID == uuid.Nil {
			ic.ID = uuid.New()
		}
		if err := s.store(tx, in); err != nil {
			return models.SyncMessage{}, false, err
		}
		return models.IncomingMessage(models.VerbCreate, in.Clone()), true, nil
	}
	if err != nil {
		return models.SyncMessage{}, false, err
	}

	lc := local.Common()
	ic.ID = lc.ID
	if !models.IncomingWins(local, in) {
		// The local version stays, but a remote id learned from the server is kept.
		if lc.RemoteID == nil {
			id := *ic.RemoteID
			lc.RemoteID = &id
			if err := s.store(tx, local); err != nil {
				return models.SyncMessage{}, false, err
			}
		}
		return models.SyncMessage{}, false, nil
	}

	if ic.IsDeleted() {
		if err := tx.Delete(local); err != nil {
			return models.SyncMessage{}, false, err
		}
		return models.IncomingMessage(models.VerbDelete, in.Clone()), true, nil
	}
	if err := s.store(tx, in); err != nil {
		return models.SyncMessage{}, false, err
	}
	return models.IncomingMessage(models.VerbUpdate, in.Clone()), true, nil
}

// store writes r and propagates its remote id to children.
func (s *Store) store(tx *localstore.Tx, r models.Record) error {
	if err := tx.Put(r); err != nil {
		return err
	}
	_, err := tx.BackfillChildren(r)
	return err
}

func kindRank(k models.Kind) int {
	for i, kind := range models.Kinds {
		if kind == k {
			return i
		}
	}
	return len(models.Kinds)
}
