// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mobiletoly/go-timesync/models"
)

// Query is a read-only handle over all records of one type. Builder methods return
// a new Query and never modify the receiver.
//
// Reads are not transactional: they may observe writes committed while the query runs.
// Callers needing a consistent snapshot must read through Tx inside Update.
type Query[T models.Record] struct {
	s              *Store
	kind           models.Kind
	preds          []func(T) bool
	less           func(a, b T) bool
	limit          int
	includeDeleted bool
	since          *time.Time
}

// Table returns a query over every record of type T.
func Table[T models.Record](s *Store) *Query[T] {
	var zero T
	return &Query[T]{s: s, kind: zero.Kind()}
}

func (q *Query[T]) clone() *Query[T] {
	c := *q
	c.preds = append([]func(T) bool(nil), q.preds...)
	return &c
}

// Where keeps only records matching pred.
func (q *Query[T]) Where(pred func(T) bool) *Query[T] {
	c := q.clone()
	c.preds = append(c.preds, pred)
	return c
}

// OrderBy sorts the result; ties keep storage order.
func (q *Query[T]) OrderBy(less func(a, b T) bool) *Query[T] {
	c := q.clone()
	c.less = less
	return c
}

// Take limits the result to n records; n <= 0 means no limit.
func (q *Query[T]) Take(n int) *Query[T] {
	c := q.clone()
	c.limit = n
	return c
}

// IncludeDeleted also returns tombstones.
func (q *Query[T]) IncludeDeleted() *Query[T] {
	c := q.clone()
	c.includeDeleted = true
	return c
}

// ModifiedSince keeps records modified strictly after t.
func (q *Query[T]) ModifiedSince(t time.Time) *Query[T] {
	c := q.clone()
	since := t
	c.since = &since
	return c
}

// All runs the query. Cancelling ctx aborts the read and returns ctx.Err().
func (q *Query[T]) All(ctx context.Context) ([]T, error) {
	where := "1=1"
	var args []any
	if !q.includeDeleted {
		where += " AND deleted_at IS NULL"
	}
	if q.since != nil {
		where += " AND modified_at > ?"
		args = append(args, formatTime(*q.since))
	}

	var out []T
	err := scanRecords(ctx, q.s.db, q.kind, where, args, func(r models.Record) error {
		typed, ok := r.(T)
		if !ok {
			return fmt.Errorf("unexpected record type %T for kind %s", r, q.kind)
		}
		for _, pred := range q.preds {
			if !pred(typed) {
				return nil
			}
		}
		out = append(out, typed)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.less != nil {
		sort.SliceStable(out, func(i, j int) bool { return q.less(out[i], out[j]) })
	}
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out, nil
}

// First returns the first matching record or ErrNotFound.
func (q *Query[T]) First(ctx context.Context) (T, error) {
	var zero T
	res, err := q.Take(1).All(ctx)
	if err != nil {
		return zero, err
	}
	if len(res) == 0 {
		return zero, ErrNotFound
	}
	return res[0], nil
}

// Count returns the number of matching records.
func (q *Query[T]) Count(ctx context.Context) (int, error) {
	res, err := q.Take(0).All(ctx)
	if err != nil {
		return 0, err
	}
	return len(res), nil
}
