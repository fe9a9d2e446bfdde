// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"errors"

	"github.com/mobiletoly/go-timesync/models"
)

// ResolveRefs completes the parent keys of r from stored parents: a missing remote id is
// filled by local id lookup and a missing local id by remote id lookup. It returns the
// references that still have no remote id. r is modified in place; nothing is written.
func (t *Tx) ResolveRefs(r models.Record) ([]models.Ref, error) {
	var unresolved []models.Ref
	for _, ref := range r.Refs() {
		parent, err := t.Find(ref.Kind, ref.Key.ID, ref.Key.RemoteID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		default:
			pc := parent.Common()
			ref.Key.ID = pc.ID
			if pc.RemoteID != nil {
				id := *pc.RemoteID
				ref.Key.RemoteID = &id
			}
		}
		if ref.Key.RemoteID == nil {
			unresolved = append(unresolved, ref)
		}
	}
	return unresolved, nil
}

// BackfillChildren copies the remote id of parent into every stored child that references
// it by local id only. Sync bookkeeping of the children is left untouched.
func (t *Tx) BackfillChildren(parent models.Record) ([]models.Record, error) {
	pc := parent.Common()
	if pc.RemoteID == nil {
		return nil, nil
	}
	children, err := t.Children(parent.Kind(), pc.ID)
	if err != nil {
		return nil, err
	}
	var updated []models.Record
	for _, child := range children {
		changed := false
		for _, ref := range child.Refs() {
			if ref.Kind == parent.Kind() && ref.Key.ID == pc.ID && ref.Key.RemoteID == nil {
				id := *pc.RemoteID
				ref.Key.RemoteID = &id
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := t.Put(child); err != nil {
			return nil, err
		}
		updated = append(updated, child)
	}
	return updated, nil
}
